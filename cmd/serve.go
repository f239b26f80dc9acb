package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"multicam/internal/camera"
	"multicam/internal/config"
	"multicam/internal/host"
	"multicam/internal/metrics"
	"multicam/internal/monitor"
	"multicam/internal/orchestrator"
	"multicam/internal/render"
	"multicam/internal/server"
	"multicam/internal/store"
)

// shutdownTimeout はキャプチャの終了と出力の確定を待つ時間
const shutdownTimeout = 30 * time.Second

// Serve は更新ループとHTTPサーバーを起動する
func Serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	// コマンドラインオプションで設定を上書き
	if h := ctx.String("host"); h != "" {
		cfg.Server.Host = h
	}
	if port := ctx.Int("port"); port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := setupLogging(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()
	orch, err := newOrchestrator(cfg, m, logger)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 保存済みのセッションを復元する。読み込みに失敗しても空の状態で起動する
	if err := orch.Restore(runCtx); err != nil {
		logger.Warn("セッションの復元に失敗しました", zap.Error(err))
	}

	loop := host.New(orch, cfg.Capture.TickInterval, logger)
	go func() { _ = loop.Run(runCtx) }()

	srv := server.New(cfg, orch, loop, m, logger)
	logger.Info("multicam を起動します", zap.String("addr", cfg.ServerAddress()))
	serveErr := srv.Start(runCtx)

	// サーバーが異常終了した場合もループを止める
	stop()
	<-loop.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("終了処理に失敗しました", zap.Error(err))
	}
	logger.Info("multicam を停止しました")
	return serveErr
}

// newOrchestrator は設定から Orchestrator と依存関係を組み立てる
func newOrchestrator(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	st, err := store.NewFileStore(cfg.Store.Path, cfg.Store.Exclude, logger)
	if err != nil {
		return nil, err
	}

	queue := render.NewQueue()
	renderer, err := newRenderer(cfg.Renderer, queue, logger)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(orchestrator.Options{
		Provider:          camera.NewSceneFileProvider(cfg.Scene.Path),
		Renderer:          renderer,
		Queue:             queue,
		Viewport:          render.NewSceneViewport(cfg.Scene.Viewport, logger),
		Store:             st,
		Monitor:           monitor.New(cfg.Monitor),
		Metrics:           m,
		Logger:            logger,
		DefaultOutputPath: cfg.Capture.DefaultOutputPath,
		ResolveInterval:   cfg.Capture.ResolveInterval,
	})
}

// newRenderer は設定の種類に応じたレンダラーを作成する
func newRenderer(cfg config.RendererConfig, queue *render.Queue, logger *zap.Logger) (render.Renderer, error) {
	switch cfg.Type {
	case config.RendererFile:
		return render.NewFileRenderer(render.FileRendererConfig{
			MaxFPS: cfg.MaxFPS,
			Writer: render.WriterOptions{
				FFmpegPath:    cfg.FFmpegPath,
				EncodeTimeout: cfg.EncodeTimeout,
				Logger:        logger,
			},
		}, queue, logger), nil
	case config.RendererMock:
		return render.NewMockRenderer(queue), nil
	default:
		return nil, fmt.Errorf("%w: レンダラー %q", camera.ErrUnsupportedConfig, cfg.Type)
	}
}
