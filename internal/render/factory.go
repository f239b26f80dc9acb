package render

import (
	"context"
	"fmt"
	"image"
	"sort"
	"time"

	"go.uber.org/zap"

	"multicam/internal/camera"
)

// FrameWriter は1つの出力先へフレームを書き出す
type FrameWriter interface {
	// WriteFrame はフレームを書き出す（index は 0 始まり）
	WriteFrame(index int, img image.Image) error

	// Finalize は出力を確定し、最終的な出力先のパスを返す
	// fps は実測のフレームレート（動画のエンコードに使う）
	Finalize(ctx context.Context, fps float64) (string, error)

	// Path は確定前の予定パスを返す
	Path() string

	// Async は Finalize に時間がかかるため非同期で実行すべきかを返す
	Async() bool
}

// WriterOptions は書き出し処理の共通設定
type WriterOptions struct {
	FFmpegPath    string
	EncodeTimeout time.Duration
	Logger        *zap.Logger
}

// WriterCreator は出力モードごとの FrameWriter 作成関数
type WriterCreator func(req SinkRequest, opts WriterOptions) (FrameWriter, error)

// WriterFactory は出力モードから FrameWriter を作成する
type WriterFactory interface {
	CreateWriter(req SinkRequest) (FrameWriter, error)
	SupportedModes() []camera.Mode
}

// DefaultWriterFactory は標準実装
type DefaultWriterFactory struct {
	creators map[camera.Mode]WriterCreator
	opts     WriterOptions
}

// NewWriterFactory は連番画像と動画の作成関数を登録したファクトリーを作成する
func NewWriterFactory(opts WriterOptions) *DefaultWriterFactory {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	factory := &DefaultWriterFactory{
		creators: make(map[camera.Mode]WriterCreator),
		opts:     opts,
	}

	// 連番画像の作成関数を登録
	factory.Register(camera.ModeImageSequence, NewImageSequenceWriter)

	// 動画の作成関数を登録
	factory.Register(camera.ModeVideo, NewVideoWriter)

	return factory
}

// Register は作成関数を登録する
func (f *DefaultWriterFactory) Register(mode camera.Mode, creator WriterCreator) {
	f.creators[mode] = creator
}

// CreateWriter は出力モードに対応する FrameWriter を作成する
func (f *DefaultWriterFactory) CreateWriter(req SinkRequest) (FrameWriter, error) {
	creator, exists := f.creators[req.Mode]
	if !exists {
		return nil, fmt.Errorf("%w: 出力モード %s", camera.ErrUnsupportedConfig, req.Mode)
	}
	return creator(req, f.opts)
}

// SupportedModes はサポートされている出力モードを返す
func (f *DefaultWriterFactory) SupportedModes() []camera.Mode {
	modes := make([]camera.Mode, 0, len(f.creators))
	for mode := range f.creators {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}
