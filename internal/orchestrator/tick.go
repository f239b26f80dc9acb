package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"multicam/internal/camera"
	"multicam/internal/render"
	"multicam/internal/session"
)

// Tick は更新ループの1回分の処理を行う
//   - レンダラーのイベントを取り出してセッションと FPS 監視に反映する
//   - キャプチャ中・プレビュー中のカメラを一定間隔で再解決する
//   - フレームレートの低下を評価して警告を通知する
func (o *Orchestrator) Tick(ctx context.Context, dt time.Duration) {
	o.monitor.ObserveTick(dt)
	o.drain(ctx)

	o.sinceResolve += dt
	if o.sinceResolve >= o.resolveInterval {
		o.sinceResolve = 0
		o.resolveActive(ctx)
	}

	now := o.clock()
	for _, s := range o.sessions {
		if s.State() != camera.StateCapturing {
			continue
		}
		achieved := o.monitor.Achieved(s.ID())
		s.SetAchievedFPS(achieved)
		o.metrics.AchievedFPS.WithLabelValues(s.ID()).Set(achieved)
	}

	for _, w := range o.monitor.Evaluate(now) {
		o.metrics.FPSWarnings.Inc()
		o.logger.Warn("フレームレートが低下しています",
			zap.String("camera", w.CameraID),
			zap.Int("requested", w.Requested),
			zap.Float64("achieved", w.Achieved),
			zap.Float64("appFps", w.AppFPS),
			zap.Bool("appLimited", w.AppLimited))
		warning := w
		o.publish(Event{
			ID:       w.ID,
			Kind:     EventFPSWarning,
			CameraID: w.CameraID,
			Message:  w.Message(),
			At:       w.At,
			Warning:  &warning,
		})
	}

	o.publishGauges()
}

// drain はレンダラーのイベントを到着順に処理する
func (o *Orchestrator) drain(ctx context.Context) {
	for _, ev := range o.queue.Drain() {
		switch ev.Kind {
		case render.EventFrame:
			o.onFrame(ev)
		case render.EventSinkError:
			o.onSinkError(ctx, ev)
		case render.EventFinalized:
			o.onFinalized(ev)
		}
	}
}

// current は出力先のイベントが現在のキャプチャのものであればセッションを返す
func (o *Orchestrator) current(ev render.Event) (*session.Session, bool) {
	s, ok := o.index[ev.Camera]
	if !ok {
		return nil, false
	}
	sink, ok := s.Sink()
	if !ok || sink != ev.Sink {
		return nil, false
	}
	return s, true
}

func (o *Orchestrator) onFrame(ev render.Event) {
	s, ok := o.current(ev)
	if !ok {
		return
	}
	o.monitor.ObserveFrame(s.ID(), ev.At)
	s.RecordFrame()
	o.metrics.FramesTotal.WithLabelValues(s.ID()).Inc()
}

// onSinkError はキャプチャ中の出力先のエラーでセッションを Error にし、出力先を閉じる
func (o *Orchestrator) onSinkError(ctx context.Context, ev render.Event) {
	s, ok := o.current(ev)
	if !ok {
		o.logger.Debug("終了済みの出力先のエラーを無視",
			zap.String("sink", string(ev.Sink)),
			zap.Error(ev.Err))
		return
	}

	reason := "出力先でエラーが発生しました"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	if sink, hadSink := s.Fail(reason); hadSink {
		o.monitor.Untrack(s.ID(), o.clock())
		o.closeFailed(ctx, sink)
	}
	o.reportError(s)
}

// onFinalized は出力の確定を反映する
func (o *Orchestrator) onFinalized(ev render.Event) {
	if ev.Err != nil {
		o.logger.Warn("出力の確定に失敗",
			zap.String("camera", ev.Camera),
			zap.String("sink", string(ev.Sink)),
			zap.Error(ev.Err))
	}

	s, ok := o.index[ev.Camera]
	if ok && s.RunID() == ev.RunID {
		switch {
		case ev.Err != nil && s.State() == camera.StateIdle:
			s.Fail(fmt.Sprintf("出力の確定に失敗: %v", ev.Err))
			o.reportError(s)
		case ev.Err == nil && ev.Path != "":
			s.SetLastCapturePath(ev.Path)
		}
	}

	// 書き出すフレームがなかった出力は通知しない
	if ev.Err != nil || ev.Path == "" {
		return
	}
	o.publish(Event{
		Kind:     EventSinkFinalized,
		CameraID: ev.Camera,
		Message:  fmt.Sprintf("%s: 出力を保存しました %s", ev.Camera, ev.Path),
		At:       ev.At,
		Path:     ev.Path,
	})
}

// resolveActive はキャプチャ中・プレビュー中のカメラがシーン内に残っているか確認する
// 解決できなくなったカメラは Error にする
func (o *Orchestrator) resolveActive(ctx context.Context) {
	for _, s := range o.sessions {
		state := s.State()
		if state != camera.StateCapturing && state != camera.StatePreviewing {
			continue
		}
		_, err := o.provider.Resolve(ctx, s.ID())
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		o.logger.Warn("カメラを解決できません", zap.String("camera", s.ID()), zap.Error(err))
		if o.previewing == s.ID() {
			if restoreErr := o.viewport.Restore(ctx); restoreErr != nil {
				o.logger.Warn("ビューポートの復元に失敗", zap.Error(restoreErr))
			}
			o.previewing = ""
		}
		if sink, hadSink := s.Fail(err.Error()); hadSink {
			o.monitor.Untrack(s.ID(), o.clock())
			o.closeFailed(ctx, sink)
		}
		o.reportError(s)
	}
}

// closeFailed はエラーになったキャプチャの出力先を閉じる
func (o *Orchestrator) closeFailed(ctx context.Context, sink render.SinkID) {
	if _, err := o.renderer.CloseSink(ctx, sink); err != nil {
		o.logger.Warn("出力先のクローズに失敗", zap.String("sink", string(sink)), zap.Error(err))
	}
}

func (o *Orchestrator) reportError(s *session.Session) {
	o.metrics.SessionErrors.Inc()
	o.logger.Error("セッションでエラーが発生",
		zap.String("camera", s.ID()),
		zap.String("error", s.LastError()))
	o.publish(Event{
		Kind:     EventSessionError,
		CameraID: s.ID(),
		Message:  fmt.Sprintf("%s: %s", s.ID(), s.LastError()),
	})
}

// publishGauges は状態ごとのセッション数などを記録する
func (o *Orchestrator) publishGauges() {
	counts := map[camera.State]int{
		camera.StateIdle:       0,
		camera.StatePreviewing: 0,
		camera.StateCapturing:  0,
		camera.StateError:      0,
	}
	for _, s := range o.sessions {
		counts[s.State()]++
	}
	for state, n := range counts {
		o.metrics.Sessions.WithLabelValues(string(state)).Set(float64(n))
	}
	o.metrics.CapturesActive.Set(float64(counts[camera.StateCapturing]))
	o.metrics.AppFPS.Set(o.monitor.AppFPS())
}
