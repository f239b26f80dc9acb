package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"multicam/internal/camera"
	"multicam/internal/store"
)

// ListSessions は保存済みのセッション設定を表形式で表示する
func ListSessions(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	st, err := store.NewFileStore(cfg.Store.Path, cfg.Store.Exclude, zap.NewNop())
	if err != nil {
		return err
	}
	snap, err := st.Load(context.Background())
	if err != nil {
		return fmt.Errorf("%s の読み込みに失敗しました: %w", st.Path(), err)
	}

	outputPath := snap.DefaultOutputPath
	if outputPath == "" {
		outputPath = cfg.Capture.DefaultOutputPath
	}

	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Camera", "Name", "Resolution", "FPS", "Mode", "Enabled", "Output"})
	for _, rec := range snap.Sessions {
		s := rec.Settings
		output := s.OutputPath
		if output == "" {
			output = "(" + outputPath + ")"
		}
		table.Append([]string{
			rec.ID,
			s.DisplayName,
			s.Resolution.String(),
			strconv.Itoa(s.FrameRate),
			string(s.Mode),
			strconv.FormatBool(s.Enabled),
			output,
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "Default", outputPath})
	table.Render()
	return nil
}

// ListCameras はシーン内のカメラを表形式で表示する
func ListCameras(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	cameras, err := camera.NewSceneFileProvider(cfg.Scene.Path).ListCameras(context.Background())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Camera", "Name"})
	for _, cam := range cameras {
		table.Append([]string{cam.ID, cam.DisplayName})
	}
	table.Render()
	return nil
}

// ResetState は保存済みのセッション設定を削除する
func ResetState(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	st, err := store.NewFileStore(cfg.Store.Path, cfg.Store.Exclude, zap.NewNop())
	if err != nil {
		return err
	}
	if err := st.Clear(context.Background()); err != nil {
		return fmt.Errorf("%s の削除に失敗しました: %w", st.Path(), err)
	}
	fmt.Fprintf(ctx.App.Writer, "%s を削除しました\n", st.Path())
	return nil
}
