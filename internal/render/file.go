package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"multicam/internal/camera"
)

// FileRendererConfig は FileRenderer の設定
type FileRendererConfig struct {
	// MaxFPS はレンダラーが出せる最大フレームレート（0 で無制限）
	MaxFPS int

	Writer WriterOptions
}

// FileRenderer はテストパターンのフレームを生成してファイルに書き出す Renderer 実装
// 出力先ごとに1つのゴルーチンがフレームを生成し、結果を Queue に積む
type FileRenderer struct {
	cfg     FileRendererConfig
	queue   *Queue
	factory WriterFactory
	logger  *zap.Logger

	mu     sync.Mutex
	sinks  map[SinkID]*fileSink
	closed map[SinkID]SinkResult

	// 非同期エンコードの完了待ち用
	finalizing sync.WaitGroup
}

// fileSink は開いている出力先1つ分の状態
type fileSink struct {
	id      SinkID
	req     SinkRequest
	writer  FrameWriter
	pattern *TestPattern
	started time.Time

	mu     sync.Mutex
	format Format

	// frames はワーカーゴルーチンだけが更新し、wg.Wait 後に読む
	frames int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFileRenderer は新しいFileRendererを作成する
func NewFileRenderer(cfg FileRendererConfig, queue *Queue, logger *zap.Logger) *FileRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Writer.Logger == nil {
		cfg.Writer.Logger = logger
	}
	return &FileRenderer{
		cfg:     cfg,
		queue:   queue,
		factory: NewWriterFactory(cfg.Writer),
		logger:  logger.Named("renderer"),
		sinks:   make(map[SinkID]*fileSink),
		closed:  make(map[SinkID]SinkResult),
	}
}

// OpenSink は出力先を開いてフレームの生成を開始する
func (r *FileRenderer) OpenSink(ctx context.Context, req SinkRequest) (SinkID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.Format.Resolution.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", camera.ErrUnsupportedConfig, err)
	}
	if err := camera.ValidateFrameRate(req.Format.FrameRate); err != nil {
		return "", fmt.Errorf("%w: %v", camera.ErrUnsupportedConfig, err)
	}

	writer, err := r.factory.CreateWriter(req)
	if err != nil {
		return "", err
	}

	s := &fileSink{
		id:      SinkID(ulid.Make().String()),
		req:     req,
		writer:  writer,
		pattern: NewTestPattern(req.Camera.ID),
		format:  req.Format,
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}

	r.mu.Lock()
	r.sinks[s.id] = s
	r.mu.Unlock()

	s.wg.Add(1)
	go r.run(s)

	r.logger.Info("出力先を開きました",
		zap.String("sink", string(s.id)),
		zap.String("camera", req.Camera.ID),
		zap.String("mode", string(req.Mode)),
		zap.Stringer("resolution", req.Format.Resolution),
		zap.Int("fps", req.Format.FrameRate),
		zap.String("path", writer.Path()))

	return s.id, nil
}

// Reconfigure は開いている出力先のレンダリング設定を変更する
// 動画は1本の中で解像度を揃えるため、解像度だけは開いた時点の値を維持する
func (r *FileRenderer) Reconfigure(_ context.Context, id SinkID, format Format) error {
	r.mu.Lock()
	s, ok := r.sinks[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 出力先 %s", camera.ErrNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req.Mode == camera.ModeVideo {
		format.Resolution = s.format.Resolution
	}
	s.format = format
	return nil
}

// CloseSink はフレームの生成を止めて出力先を閉じる
// 動画のエンコードは非同期で行い、完了を EventFinalized で通知する
func (r *FileRenderer) CloseSink(ctx context.Context, id SinkID) (SinkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.closed[id]; ok {
		return res, nil
	}
	s, ok := r.sinks[id]
	if !ok {
		return SinkResult{}, fmt.Errorf("%w: 出力先 %s", camera.ErrNotFound, id)
	}
	delete(r.sinks, id)

	// ワーカーの終了を待機
	close(s.stopCh)
	s.wg.Wait()

	duration := time.Since(s.started)
	var fps float64
	if duration > 0 {
		fps = float64(s.frames) / duration.Seconds()
	}

	res := SinkResult{
		Path:     s.writer.Path(),
		Frames:   s.frames,
		Duration: duration,
	}

	if s.writer.Async() {
		res.Pending = true
		r.finalizing.Add(1)
		go func() {
			defer r.finalizing.Done()
			path, err := s.writer.Finalize(context.Background(), fps)
			r.finalized(s, path, err)
		}()
		r.closed[id] = res
		return res, nil
	}

	path, err := s.writer.Finalize(ctx, fps)
	if path != "" {
		res.Path = path
	}
	r.closed[id] = res
	r.finalized(s, path, err)
	return res, err
}

// Shutdown は開いたままの出力先を閉じ、実行中のエンコードの完了を待つ
func (r *FileRenderer) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]SinkID, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.logger.Warn("開いたままの出力先を閉じます", zap.String("sink", string(id)))
		if _, err := r.CloseSink(ctx, id); err != nil {
			r.logger.Error("出力先のクローズに失敗", zap.String("sink", string(id)), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		r.finalizing.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("エンコードの完了待ちがタイムアウト: %w", ctx.Err())
	}
}

// OpenSinks は開いている出力先の数を返す
func (r *FileRenderer) OpenSinks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// run は出力先ごとのフレーム生成ループ
// 書き込みに失敗した場合は EventSinkError を積んで終了する（出力先は CloseSink まで開いたまま）
func (r *FileRenderer) run(s *fileSink) {
	defer s.wg.Done()

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		format := s.currentFormat()
		img := s.pattern.Frame(s.frames, format)
		if err := s.writer.WriteFrame(s.frames, img); err != nil {
			r.logger.Error("フレームの書き込みに失敗",
				zap.String("sink", string(s.id)),
				zap.String("camera", s.req.Camera.ID),
				zap.Error(err))
			r.queue.Push(Event{
				Kind:   EventSinkError,
				Sink:   s.id,
				Camera: s.req.Camera.ID,
				RunID:  s.req.RunID,
				At:     time.Now(),
				Err:    err,
			})
			return
		}

		r.queue.Push(Event{
			Kind:   EventFrame,
			Sink:   s.id,
			Camera: s.req.Camera.ID,
			RunID:  s.req.RunID,
			At:     time.Now(),
			Frame:  s.frames,
		})
		s.frames++

		// 遅れている場合は待たずに次のフレームを生成する
		next = next.Add(r.interval(format.FrameRate))
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
			next = time.Now()
		}
		timer.Reset(wait)
	}
}

func (r *FileRenderer) finalized(s *fileSink, path string, err error) {
	if err != nil {
		r.logger.Error("出力の確定に失敗",
			zap.String("sink", string(s.id)),
			zap.String("camera", s.req.Camera.ID),
			zap.Error(err))
	}
	r.queue.Push(Event{
		Kind:   EventFinalized,
		Sink:   s.id,
		Camera: s.req.Camera.ID,
		RunID:  s.req.RunID,
		At:     time.Now(),
		Path:   path,
		Err:    err,
	})
}

// interval は要求フレームレートと MaxFPS からフレーム間隔を求める
func (r *FileRenderer) interval(fps int) time.Duration {
	if r.cfg.MaxFPS > 0 && fps > r.cfg.MaxFPS {
		fps = r.cfg.MaxFPS
	}
	if fps < 1 {
		fps = 1
	}
	return time.Second / time.Duration(fps)
}

func (s *fileSink) currentFormat() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}
