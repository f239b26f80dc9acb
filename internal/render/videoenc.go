package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"multicam/internal/camera"
)

// VideoWriter はフレームを一時ディレクトリにPNGとして溜め、確定時に動画へエンコードする
// エンコードには ffmpeg を使い、失敗した場合はアニメーションGIFで保存する
type VideoWriter struct {
	dir     string
	prefix  string
	tempDir string
	fps     int
	frames  int
	opts    WriterOptions
	logger  *zap.Logger
}

// NewVideoWriter は出力ディレクトリと一時ディレクトリを作成して VideoWriter を返す
func NewVideoWriter(req SinkRequest, opts WriterOptions) (FrameWriter, error) {
	if req.OutputDir == "" {
		return nil, fmt.Errorf("%w: 出力ディレクトリが指定されていません", camera.ErrUnsupportedConfig)
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: 出力ディレクトリの作成に失敗: %v", camera.ErrIO, err)
	}

	tempDir, err := os.MkdirTemp("", "multicam-"+req.FilePrefix+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: 一時ディレクトリの作成に失敗: %v", camera.ErrIO, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &VideoWriter{
		dir:     req.OutputDir,
		prefix:  req.FilePrefix,
		tempDir: tempDir,
		fps:     req.Format.FrameRate,
		opts:    opts,
		logger:  logger.Named("video"),
	}, nil
}

// WriteFrame はフレームを一時ディレクトリに保存する
func (w *VideoWriter) WriteFrame(index int, img image.Image) error {
	if err := writePNG(filepath.Join(w.tempDir, fmt.Sprintf("frame_%06d.png", index)), img); err != nil {
		return err
	}
	w.frames++
	return nil
}

// Path は動画の予定パスを返す
func (w *VideoWriter) Path() string {
	return filepath.Join(w.dir, w.prefix+".mp4")
}

// Async は常に true
func (w *VideoWriter) Async() bool {
	return true
}

// Finalize は溜めたフレームを動画にエンコードする
// fps が 0 以下の場合は要求フレームレートを使う
func (w *VideoWriter) Finalize(ctx context.Context, fps float64) (string, error) {
	defer func() {
		_ = os.RemoveAll(w.tempDir) // cleanup中のエラーは無視
	}()

	if w.frames == 0 {
		return "", nil
	}
	if fps <= 0 || math.IsNaN(fps) {
		fps = float64(w.fps)
	}

	mp4Path := w.Path()
	mp4Err := w.encodeMP4(ctx, mp4Path, fps)
	if mp4Err == nil {
		w.logger.Info("動画を保存",
			zap.String("path", mp4Path),
			zap.Int("frames", w.frames),
			zap.Float64("fps", fps))
		return mp4Path, nil
	}
	w.logger.Warn("MP4エンコードに失敗、GIFで保存します", zap.Error(mp4Err))

	gifPath := filepath.Join(w.dir, w.prefix+".gif")
	if err := w.encodeGIF(gifPath, fps); err != nil {
		return "", fmt.Errorf("%w: 動画の保存に失敗: %v", camera.ErrIO, errors.Join(mp4Err, err))
	}
	w.logger.Info("GIFを保存",
		zap.String("path", gifPath),
		zap.Int("frames", w.frames))
	return gifPath, nil
}

// encodeMP4 は ffmpeg で H.264 の MP4 を作成する
func (w *VideoWriter) encodeMP4(ctx context.Context, path string, fps float64) error {
	if w.opts.EncodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.EncodeTimeout)
		defer cancel()
	}

	ffmpeg := w.opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-framerate", strconv.FormatFloat(fps, 'f', 3, 64),
		"-i", filepath.Join(w.tempDir, "frame_%06d.png"),
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2", // yuv420p は偶数サイズが必要
		"-movflags", "+faststart",
		"-y", // 上書き許可
		path,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("動画作成に失敗: %w (output: %s)", err, tail(output, 512))
	}
	return nil
}

// encodeGIF は一時ディレクトリのフレームからアニメーションGIFを作成する
func (w *VideoWriter) encodeGIF(path string, fps float64) error {
	files, err := filepath.Glob(filepath.Join(w.tempDir, "frame_*.png"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	// 1/100 秒単位の表示時間
	delay := int(math.Round(100 / fps))
	if delay < 2 {
		delay = 2
	}

	anim := &gif.GIF{}
	for _, file := range files {
		img, err := readPNG(file)
		if err != nil {
			return err
		}
		bounds := img.Bounds()
		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, img, bounds.Min)
		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, delay)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gif.EncodeAll(f, anim); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func readPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return png.Decode(f)
}

// tail はコマンド出力の末尾だけを返す
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
