// Package cmd はmulticamコマンドのサブコマンドを実装する
package cmd

import (
	"fmt"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"multicam/internal/config"
	"multicam/internal/logging"
)

// NewApp はコマンドラインアプリケーションを作成する
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "multicam"
	app.Usage = "複数カメラのプレビューとキャプチャを制御する"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "設定ファイル (YAML) のパス",
			EnvVar: "MULTICAM_CONFIG",
		},
		cli.BoolFlag{
			Name:  "v",
			Usage: "デバッグログを出力する",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "更新ループとHTTP APIサーバーを起動する",
			Description: `
保存済みのセッションを復元し、更新ループとHTTP APIを起動します。
SIGINT / SIGTERM を受け取ると、実行中のキャプチャを全て終了してから停止します。`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Usage: "サーバーのホスト（設定ファイルより優先）",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "サーバーのポート（設定ファイルより優先）",
				},
			},
			Action: Serve,
		},
		{
			Name:   "sessions",
			Usage:  "保存済みのセッション設定を一覧表示する",
			Action: ListSessions,
		},
		{
			Name:   "cameras",
			Usage:  "シーン内のカメラを一覧表示する",
			Action: ListCameras,
		},
		{
			Name:   "reset-state",
			Usage:  "保存済みのセッション設定を削除する",
			Action: ResetState,
		},
	}
	return app
}

// loadConfig はグローバルフラグで指定された設定を読み込む
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	return cfg, nil
}

// setupLogging はロガーを作成する。-v でデバッグレベルにする
func setupLogging(ctx *cli.Context, cfg *config.Config) (*zap.Logger, error) {
	logCfg := cfg.Logging
	if ctx.GlobalBool("v") {
		logCfg.Level = "debug"
	}
	return logging.New(logCfg)
}
