package render

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"multicam/internal/camera"
)

// MockRenderer はテスト用の Renderer 実装
// フレームは自動生成せず、EmitFrame / Fail で任意のタイミングにイベントを積む
type MockRenderer struct {
	queue *Queue
	mu    sync.Mutex
	next  int

	sinks      map[SinkID]*mockSink
	closeCalls map[SinkID]int

	// テスト制御用
	openErr map[string]error // カメラIDごとの OpenSink のエラー
}

type mockSink struct {
	req    SinkRequest
	format Format
	frames int
	closed bool
	result SinkResult
}

// NewMockRenderer は新しいMockRendererを作成する
func NewMockRenderer(queue *Queue) *MockRenderer {
	return &MockRenderer{
		queue:      queue,
		sinks:      make(map[SinkID]*mockSink),
		closeCalls: make(map[SinkID]int),
		openErr:    make(map[string]error),
	}
}

// OpenSink は出力先を記録する
func (m *MockRenderer) OpenSink(_ context.Context, req SinkRequest) (SinkID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.openErr[req.Camera.ID]; err != nil {
		return "", err
	}

	m.next++
	id := SinkID(fmt.Sprintf("mock-%d", m.next))
	m.sinks[id] = &mockSink{req: req, format: req.Format}
	return id, nil
}

// Reconfigure はレンダリング設定を記録する
func (m *MockRenderer) Reconfigure(_ context.Context, id SinkID, format Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sinks[id]
	if !ok || s.closed {
		return fmt.Errorf("%w: 出力先 %s", camera.ErrNotFound, id)
	}
	s.format = format
	return nil
}

// CloseSink は出力先を閉じ、EventFinalized を積む
func (m *MockRenderer) CloseSink(_ context.Context, id SinkID) (SinkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls[id]++
	s, ok := m.sinks[id]
	if !ok {
		return SinkResult{}, fmt.Errorf("%w: 出力先 %s", camera.ErrNotFound, id)
	}
	if s.closed {
		return s.result, nil
	}

	s.closed = true
	path := s.req.OutputDir
	if s.req.Mode == camera.ModeVideo {
		path = filepath.Join(s.req.OutputDir, s.req.FilePrefix+".mp4")
	}
	s.result = SinkResult{Path: path, Frames: s.frames}

	if m.queue != nil {
		m.queue.Push(Event{
			Kind:   EventFinalized,
			Sink:   id,
			Camera: s.req.Camera.ID,
			RunID:  s.req.RunID,
			At:     time.Now(),
			Path:   path,
		})
	}
	return s.result, nil
}

// Shutdown は何もしない
func (m *MockRenderer) Shutdown(_ context.Context) error {
	return nil
}

// EmitFrame は開いている出力先のフレーム到着を積む
func (m *MockRenderer) EmitFrame(id SinkID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sinks[id]
	if !ok || s.closed {
		return
	}
	m.queue.Push(Event{
		Kind:   EventFrame,
		Sink:   id,
		Camera: s.req.Camera.ID,
		RunID:  s.req.RunID,
		At:     at,
		Frame:  s.frames,
	})
	s.frames++
}

// Fail は出力先のエラーを積む
func (m *MockRenderer) Fail(id SinkID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sinks[id]
	if !ok {
		return
	}
	m.queue.Push(Event{
		Kind:   EventSinkError,
		Sink:   id,
		Camera: s.req.Camera.ID,
		RunID:  s.req.RunID,
		At:     time.Now(),
		Err:    err,
	})
}

// SetOpenError はカメラの OpenSink が返すエラーを設定する（nil で解除）
func (m *MockRenderer) SetOpenError(cameraID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.openErr, cameraID)
		return
	}
	m.openErr[cameraID] = err
}

// CloseCalls は出力先に対する CloseSink の呼び出し回数を返す
func (m *MockRenderer) CloseCalls(id SinkID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls[id]
}

// OpenSinks は閉じられていない出力先の数を返す
func (m *MockRenderer) OpenSinks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sinks {
		if !s.closed {
			n++
		}
	}
	return n
}

// Request は出力先を開いたときの要求を返す
func (m *MockRenderer) Request(id SinkID) (SinkRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sinks[id]
	if !ok {
		return SinkRequest{}, false
	}
	return s.req, true
}

// CurrentFormat は出力先の現在のレンダリング設定を返す
func (m *MockRenderer) CurrentFormat(id SinkID) (Format, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sinks[id]
	if !ok {
		return Format{}, false
	}
	return s.format, true
}
