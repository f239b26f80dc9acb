package orchestrator

import (
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"multicam/internal/monitor"
)

// EventKind は利用者へ通知するイベントの種類
type EventKind string

const (
	EventFPSWarning     EventKind = "fpsWarning"     // フレームレートの低下
	EventSessionError   EventKind = "sessionError"   // セッションが Error に遷移した
	EventSaveFailed     EventKind = "saveFailed"     // スナップショットの保存に失敗した
	EventCaptureSummary EventKind = "captureSummary" // キャプチャ終了時の集計
	EventSinkFinalized  EventKind = "sinkFinalized"  // 出力の確定（動画のエンコード完了など）
)

// Event は購読者へ配信するイベント
type Event struct {
	ID       string           `json:"id"`
	Kind     EventKind        `json:"kind"`
	CameraID string           `json:"cameraId,omitempty"`
	Message  string           `json:"message"`
	At       time.Time        `json:"at"`
	Warning  *monitor.Warning `json:"warning,omitempty"`
	Summary  *monitor.Summary `json:"summary,omitempty"`
	Path     string           `json:"path,omitempty"`
}

// Subscribe はイベントの購読を開始する
// 受信が追いつかない購読者へのイベントは破棄される。cancel は何度呼んでも安全
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	o.subMu.Lock()
	if o.closed {
		o.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	cancel := func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (o *Orchestrator) publish(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.At.IsZero() {
		ev.At = o.clock()
	}

	o.subMu.Lock()
	defer o.subMu.Unlock()

	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			o.logger.Debug("購読者の受信が追いつかないためイベントを破棄",
				zap.Int("subscriber", id),
				zap.String("kind", string(ev.Kind)))
		}
	}
}

// closeSubscribers は全ての購読を終了する
func (o *Orchestrator) closeSubscribers() {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.closed = true
}
