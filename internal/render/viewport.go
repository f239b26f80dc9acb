package render

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"multicam/internal/camera"
)

// Viewport はプレビュー表示を行うビューポート
// ビューポートは1つしかないため、同時にプレビューできるカメラは1台だけ
type Viewport interface {
	// Show はカメラの視点をビューポートに表示する（表示中のカメラは置き換わる）
	Show(ctx context.Context, cam camera.Handle, format Format) error

	// Restore はプレビュー開始前のカメラに戻す
	Restore(ctx context.Context) error

	// Active はプレビュー中のカメラIDを返す
	Active() (string, bool)
}

// SceneViewport はビューポートの表示状態を保持する Viewport 実装
type SceneViewport struct {
	mu       sync.Mutex
	original string // プレビュー開始前のカメラ
	active   string
	format   Format
	logger   *zap.Logger

	// テスト制御用
	showErr error
	shows   int
}

// NewSceneViewport は新しいSceneViewportを作成する
// original はプレビュー終了時に戻すカメラ（例: /OmniverseKit_Persp）
func NewSceneViewport(original string, logger *zap.Logger) *SceneViewport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SceneViewport{
		original: original,
		logger:   logger.Named("viewport"),
	}
}

// Show はカメラの視点をビューポートに表示する
func (v *SceneViewport) Show(ctx context.Context, cam camera.Handle, format Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.shows++
	if v.showErr != nil {
		return fmt.Errorf("ビューポートの切り替えに失敗: %w", v.showErr)
	}

	v.active = cam.ID
	v.format = format
	v.logger.Info("ビューポートを切り替え",
		zap.String("camera", cam.ID),
		zap.Stringer("resolution", format.Resolution),
		zap.Float64("fov", format.Optics.FieldOfView()))
	return nil
}

// Restore はプレビュー開始前のカメラに戻す
func (v *SceneViewport) Restore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.active == "" {
		return nil
	}
	v.logger.Info("ビューポートを復元",
		zap.String("from", v.active),
		zap.String("to", v.original))
	v.active = ""
	v.format = Format{}
	return nil
}

// Active はプレビュー中のカメラIDを返す
func (v *SceneViewport) Active() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active, v.active != ""
}

// Format は表示中のレンダリング設定を返す
func (v *SceneViewport) Format() Format {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.format
}

// Original はプレビュー終了時に戻すカメラを返す
func (v *SceneViewport) Original() string {
	return v.original
}

// SetShowError は Show が返すエラーを設定する（nil で解除）
func (v *SceneViewport) SetShowError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.showErr = err
}

// Shows は Show の呼び出し回数を返す
func (v *SceneViewport) Shows() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shows
}
