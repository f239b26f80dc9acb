package render

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"multicam/internal/camera"
)

// ImageSequenceWriter はフレームを連番PNGとして書き出す
// ファイル名は <接頭辞>_<フレーム番号6桁>.png
type ImageSequenceWriter struct {
	dir    string
	prefix string
}

// NewImageSequenceWriter は出力ディレクトリを作成して ImageSequenceWriter を返す
func NewImageSequenceWriter(req SinkRequest, _ WriterOptions) (FrameWriter, error) {
	if req.OutputDir == "" {
		return nil, fmt.Errorf("%w: 出力ディレクトリが指定されていません", camera.ErrUnsupportedConfig)
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: 出力ディレクトリの作成に失敗: %v", camera.ErrIO, err)
	}
	return &ImageSequenceWriter{dir: req.OutputDir, prefix: req.FilePrefix}, nil
}

// WriteFrame はフレームをPNGとして保存する
func (w *ImageSequenceWriter) WriteFrame(index int, img image.Image) error {
	name := fmt.Sprintf("%s_%06d.png", w.prefix, index)
	return writePNG(filepath.Join(w.dir, name), img)
}

// Finalize は出力ディレクトリを返す（連番画像は書き出し済みのため後処理はない）
func (w *ImageSequenceWriter) Finalize(_ context.Context, _ float64) (string, error) {
	return w.dir, nil
}

// Path は出力ディレクトリを返す
func (w *ImageSequenceWriter) Path() string {
	return w.dir
}

// Async は常に false
func (w *ImageSequenceWriter) Async() bool {
	return false
}

// writePNG は画像をPNGファイルとして保存する
func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: フレーム画像の作成に失敗: %v", camera.ErrIO, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: フレーム画像の書き込みに失敗: %v", camera.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: フレーム画像の書き込みに失敗: %v", camera.ErrIO, err)
	}
	return nil
}
