package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multicam/internal/camera"
	"multicam/internal/render"
	"multicam/internal/session"
)

// AddCamera はシーン内のカメラを解決してセッションを追加する
func (o *Orchestrator) AddCamera(ctx context.Context, ref string) (session.View, error) {
	id := strings.TrimSpace(ref)
	if id == "" {
		return session.View{}, fmt.Errorf("%w: カメラIDが空です", camera.ErrUnresolvedCamera)
	}
	if _, exists := o.index[id]; exists {
		return session.View{}, fmt.Errorf("%w: %s", camera.ErrDuplicateCamera, id)
	}

	handle, err := o.provider.Resolve(ctx, id)
	if err != nil {
		return session.View{}, fmt.Errorf("カメラ %s の追加に失敗: %w", id, err)
	}

	settings := camera.DefaultSettings(id)
	if handle.Name != "" {
		settings.DisplayName = handle.Name
	}
	s, err := session.New(id, settings)
	if err != nil {
		return session.View{}, err
	}

	o.sessions = append(o.sessions, s)
	o.index[id] = s
	o.logger.Info("カメラを追加", zap.String("camera", id))

	o.save(ctx)
	return s.View(), nil
}

// RemoveCamera はセッションを削除する
// キャプチャ中なら出力先を閉じ、プレビュー中ならビューポートを元に戻してから削除する
func (o *Orchestrator) RemoveCamera(ctx context.Context, id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}

	if o.previewing == id {
		o.endPreview(ctx, s)
	}
	if sink, ok := s.EndCapture(); ok {
		o.finishCapture(ctx, s, sink)
	}

	for i, cur := range o.sessions {
		if cur == s {
			o.sessions = append(o.sessions[:i], o.sessions[i+1:]...)
			break
		}
	}
	delete(o.index, id)
	o.metrics.ForgetCamera(id)
	o.logger.Info("カメラを削除", zap.String("camera", id))

	o.save(ctx)
	return nil
}

// UpdateSettings はセッションの設定を部分更新する
// 不正なフィールドだけを拒否し、正しいフィールドは適用する。返すエラーは拒否したフィールドのもの
func (o *Orchestrator) UpdateSettings(ctx context.Context, id string, patch camera.SettingsPatch) (session.View, error) {
	s, err := o.lookup(id)
	if err != nil {
		return session.View{}, err
	}
	if patch.IsEmpty() {
		return s.View(), nil
	}

	before := s.Settings()
	patchErr := s.ApplyPatch(patch)
	after := s.Settings()

	if after != before {
		o.applyLive(ctx, s, before, after)
		o.save(ctx)
	}
	if patchErr != nil {
		o.logger.Info("設定の一部を拒否",
			zap.String("camera", id),
			zap.Error(patchErr))
	}
	return s.View(), patchErr
}

// applyLive はキャプチャ中・プレビュー中のセッションに変更後の設定を反映する
// 出力モードと出力先は次のキャプチャから有効になる
func (o *Orchestrator) applyLive(ctx context.Context, s *session.Session, before, after camera.Settings) {
	format := render.FormatOf(after)
	if render.FormatOf(before) == format {
		return
	}

	switch s.State() {
	case camera.StateCapturing:
		if sink, ok := s.Sink(); ok {
			if err := o.renderer.Reconfigure(ctx, sink, format); err != nil {
				o.logger.Warn("キャプチャ中の設定変更に失敗",
					zap.String("camera", s.ID()),
					zap.Error(err))
			}
		}
		if before.FrameRate != after.FrameRate {
			o.monitor.SetRequested(s.ID(), after.FrameRate)
		}
	case camera.StatePreviewing:
		handle := camera.Handle{ID: s.ID(), Name: after.DisplayName}
		if err := o.viewport.Show(ctx, handle, format); err != nil {
			o.logger.Warn("プレビューの更新に失敗",
				zap.String("camera", s.ID()),
				zap.Error(err))
		}
	}
}

// StartPreview はカメラをビューポートに表示する
// 他のカメラがプレビュー中なら、そのカメラは Idle に戻る
func (o *Orchestrator) StartPreview(ctx context.Context, id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	switch s.State() {
	case camera.StatePreviewing:
		return nil
	case camera.StateIdle:
	default:
		return s.StartPreview()
	}

	handle, err := o.provider.Resolve(ctx, id)
	if err != nil {
		err = fmt.Errorf("カメラ %s のプレビューに失敗: %w", id, err)
		o.failStart(s, err)
		return err
	}
	if err := o.viewport.Show(ctx, handle, render.FormatOf(s.Settings())); err != nil {
		return fmt.Errorf("%w: カメラ %s のプレビューに失敗: %v", camera.ErrIO, id, err)
	}

	// ビューポートは1つなので、前のプレビューは Idle に戻す
	if prev, ok := o.index[o.previewing]; ok && prev != s {
		if err := prev.StopPreview(); err != nil {
			o.logger.Warn("前のプレビューの停止に失敗", zap.String("camera", prev.ID()), zap.Error(err))
		}
	}
	if err := s.StartPreview(); err != nil {
		return err
	}
	o.previewing = id
	o.logger.Info("プレビューを開始", zap.String("camera", id))

	o.save(ctx)
	return nil
}

// StopPreview はプレビューを終了し、ビューポートを元に戻す
func (o *Orchestrator) StopPreview(ctx context.Context, id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	if s.State() != camera.StatePreviewing {
		return s.StopPreview()
	}

	o.endPreview(ctx, s)
	o.logger.Info("プレビューを終了", zap.String("camera", id))

	o.save(ctx)
	return nil
}

// endPreview はビューポートを元に戻して Idle にする
func (o *Orchestrator) endPreview(ctx context.Context, s *session.Session) {
	if err := o.viewport.Restore(ctx); err != nil {
		o.logger.Warn("ビューポートの復元に失敗", zap.Error(err))
	}
	if s.State() == camera.StatePreviewing {
		_ = s.StopPreview()
	}
	if o.previewing == s.ID() {
		o.previewing = ""
	}
}

// StartCapture はカメラのキャプチャを開始する
func (o *Orchestrator) StartCapture(ctx context.Context, id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	if err := o.startCapture(ctx, s, o.clock()); err != nil {
		return err
	}
	o.save(ctx)
	return nil
}

// startCapture は出力先を開いて Capturing に遷移する
// startedAt は出力ディレクトリ名に使うため、一括開始では全カメラで同じ値を渡す
func (o *Orchestrator) startCapture(ctx context.Context, s *session.Session, startedAt time.Time) error {
	switch s.State() {
	case camera.StateIdle:
	case camera.StateCapturing:
		return fmt.Errorf("%w: %s", camera.ErrCaptureAlreadyActive, s.ID())
	default:
		return fmt.Errorf("%w: %s は %s のためキャプチャを開始できません",
			camera.ErrInvalidTransition, s.ID(), s.State())
	}

	settings := s.Settings()
	if err := settings.Validate(); err != nil {
		return err
	}
	handle, err := o.provider.Resolve(ctx, s.ID())
	if err != nil {
		err = fmt.Errorf("カメラ %s のキャプチャ開始に失敗: %w", s.ID(), err)
		o.failStart(s, err)
		return err
	}

	dir, prefix := o.captureLayout(s, startedAt)
	runID := uuid.NewString()
	sink, err := o.renderer.OpenSink(ctx, render.SinkRequest{
		Camera:     handle,
		Format:     render.FormatOf(settings),
		Mode:       settings.Mode,
		OutputDir:  dir,
		FilePrefix: prefix,
		RunID:      runID,
	})
	if err != nil {
		err = fmt.Errorf("カメラ %s の出力先を開けません: %w", s.ID(), err)
		// 対応していない形式の指定は設定の誤りなので状態を変えない
		if !errors.Is(err, camera.ErrUnsupportedConfig) {
			o.failStart(s, err)
		}
		return err
	}

	capture := session.Capture{Sink: sink, RunID: runID, Dir: dir, StartedAt: startedAt}
	if err := s.BeginCapture(capture); err != nil {
		// 開いた出力先は必ず閉じる
		if _, closeErr := o.renderer.CloseSink(ctx, sink); closeErr != nil {
			o.logger.Warn("出力先のクローズに失敗", zap.String("sink", string(sink)), zap.Error(closeErr))
		}
		return err
	}

	o.monitor.Track(s.ID(), settings.FrameRate, o.clock())
	o.metrics.CapturesTotal.WithLabelValues(string(settings.Mode)).Inc()
	o.logger.Info("キャプチャを開始",
		zap.String("camera", s.ID()),
		zap.String("runId", runID),
		zap.String("dir", dir),
		zap.Stringer("resolution", settings.Resolution),
		zap.Int("fps", settings.FrameRate),
		zap.String("mode", string(settings.Mode)))
	return nil
}

// failStart はプレビュー・キャプチャの開始に失敗したセッションを Error にする
func (o *Orchestrator) failStart(s *session.Session, err error) {
	s.Fail(err.Error())
	o.reportError(s)
}

// StopCapture はカメラのキャプチャを終了する（キャプチャ中でなければ何もしない）
func (o *Orchestrator) StopCapture(ctx context.Context, id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	sink, ok := s.EndCapture()
	if !ok {
		return nil
	}
	o.finishCapture(ctx, s, sink)

	o.save(ctx)
	return nil
}

// finishCapture はキャプチャを終えたセッションの出力先を閉じて集計を通知する
func (o *Orchestrator) finishCapture(ctx context.Context, s *session.Session, sink render.SinkID) {
	summary, tracked := o.monitor.Untrack(s.ID(), o.clock())

	result, err := o.renderer.CloseSink(ctx, sink)
	if err != nil {
		s.Fail(fmt.Sprintf("出力先のクローズに失敗: %v", err))
		o.reportError(s)
	} else if !result.Pending && result.Path != "" {
		s.SetLastCapturePath(result.Path)
	}

	if !tracked {
		return
	}
	s.SetAchievedFPS(summary.Achieved)
	o.logger.Info("キャプチャを終了",
		zap.String("camera", s.ID()),
		zap.Int("frames", summary.Frames),
		zap.Int("expected", summary.Expected),
		zap.Float64("achievedFps", summary.Achieved),
		zap.Bool("dropped", summary.Dropped))

	msg := fmt.Sprintf("%s: %d フレーム (期待値 %d, %.1ffps)", s.ID(), summary.Frames, summary.Expected, summary.Achieved)
	if summary.Dropped {
		msg += " フレーム落ちあり"
	}
	o.publish(Event{
		Kind:     EventCaptureSummary,
		CameraID: s.ID(),
		Message:  msg,
		Summary:  &summary,
		Path:     result.Path,
	})
}

// StartAllCaptures は有効な全カメラのキャプチャを開始する
// 1台の失敗で残りを中断せず、無効なカメラとキャプチャ中のカメラは対象外とする
func (o *Orchestrator) StartAllCaptures(ctx context.Context) []Result {
	startedAt := o.clock()
	results := make([]Result, 0, len(o.sessions))
	started := 0

	for _, s := range o.sessions {
		if !s.Settings().Enabled || s.State() == camera.StateCapturing {
			continue
		}
		err := o.startCapture(ctx, s, startedAt)
		if err == nil {
			started++
		} else {
			o.logger.Warn("キャプチャを開始できません", zap.String("camera", s.ID()), zap.Error(err))
		}
		results = append(results, newResult(s.ID(), err))
	}

	if started > 0 {
		o.save(ctx)
	}
	return results
}

// StopAllCaptures はキャプチャ中の全カメラを停止する
func (o *Orchestrator) StopAllCaptures(ctx context.Context) []Result {
	var results []Result
	for _, s := range o.sessions {
		sink, ok := s.EndCapture()
		if !ok {
			continue
		}
		o.finishCapture(ctx, s, sink)
		var err error
		if s.State() == camera.StateError {
			err = fmt.Errorf("%w: %s", camera.ErrIO, s.LastError())
		}
		results = append(results, newResult(s.ID(), err))
	}

	if len(results) > 0 {
		o.save(ctx)
	}
	return results
}

// ResetSession は Error のセッションを Idle に戻す
func (o *Orchestrator) ResetSession(ctx context.Context, id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	if s.State() == camera.StateIdle {
		return nil
	}
	if err := s.Reset(); err != nil {
		return err
	}
	o.logger.Info("セッションをリセット", zap.String("camera", id))

	o.save(ctx)
	return nil
}

// SetDefaultOutputPath は共有の出力先を変更する（次のキャプチャから有効）
func (o *Orchestrator) SetDefaultOutputPath(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: 出力先が空です", camera.ErrUnsupportedConfig)
	}
	if path == o.defaultOutputPath {
		return nil
	}
	o.defaultOutputPath = path
	o.logger.Info("出力先を変更", zap.String("path", path))

	o.save(ctx)
	return nil
}

// Restore は保存済みのスナップショットからセッションを復元する
// 復元したセッションは全て Idle で始まる。読み込みに失敗しても空の状態で続行できる
func (o *Orchestrator) Restore(ctx context.Context) error {
	snap, loadErr := o.store.Load(ctx)
	if loadErr != nil {
		o.logger.Warn("スナップショットの読み込みに失敗", zap.Error(loadErr))
	}

	if snap.DefaultOutputPath != "" {
		o.defaultOutputPath = snap.DefaultOutputPath
	}

	restored := 0
	for _, rec := range snap.Sessions {
		if _, exists := o.index[rec.ID]; exists {
			continue
		}
		s, err := session.New(rec.ID, rec.Settings)
		if err != nil {
			o.logger.Warn("セッションを復元できません", zap.String("camera", rec.ID), zap.Error(err))
			continue
		}
		if _, err := o.provider.Resolve(ctx, rec.ID); err != nil {
			o.logger.Warn("復元したカメラがシーン内に見つかりません", zap.String("camera", rec.ID))
		}
		o.sessions = append(o.sessions, s)
		o.index[rec.ID] = s
		restored++
	}

	o.logger.Info("セッションを復元",
		zap.Int("sessions", restored),
		zap.String("outputPath", o.defaultOutputPath))

	if loadErr != nil {
		return fmt.Errorf("スナップショットの読み込みに失敗: %w", loadErr)
	}
	return nil
}

// Shutdown は全ての出力先を閉じ、プレビューを終了して最後の保存を行う
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, s := range o.sessions {
		if o.previewing == s.ID() {
			o.endPreview(ctx, s)
		}
		if sink, ok := s.EndCapture(); ok {
			o.finishCapture(ctx, s, sink)
		}
	}
	o.save(ctx)

	err := o.renderer.Shutdown(ctx)

	// 非同期のエンコード結果を反映してから購読を終了する
	o.drain(ctx)
	o.closeSubscribers()

	if err != nil {
		return fmt.Errorf("レンダラーの停止に失敗: %w", err)
	}
	o.logger.Info("停止しました")
	return nil
}

func newResult(id string, err error) Result {
	r := Result{CameraID: id, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
