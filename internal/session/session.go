// Package session カメラ1台分のキャプチャセッションの状態遷移を扱う
//
// # 仕様
// - 状態は Idle / Previewing / Capturing / Error
// - Previewing と Capturing の間に直接の遷移はなく、必ず Idle を経由する
// - Capturing 中に開いている出力先はセッションが保持し、EndCapture / Fail で1回だけ返す
// - 設定の部分更新はフィールド単位で適用し、不正なフィールドだけを拒否する
//
// Session は更新ループの単一ゴルーチンからのみ操作される前提でロックを持たない
package session

import (
	"errors"
	"fmt"
	"time"

	"multicam/internal/camera"
	"multicam/internal/render"
)

// Capture はキャプチャ開始時に記録する情報
type Capture struct {
	Sink      render.SinkID
	RunID     string
	Dir       string
	StartedAt time.Time
}

// Session はカメラ1台分のセッション
type Session struct {
	id        string
	settings  camera.Settings
	state     camera.State
	lastError string

	achievedFps float64

	// キャプチャ中のみ有効
	capture *Capture

	// 直近のキャプチャの情報
	lastRunID       string
	lastCaptureDir  string
	lastCapturePath string
	framesCaptured  int
}

// New は Idle 状態のセッションを作成する
func New(id string, settings camera.Settings) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: カメラIDが空です", camera.ErrUnresolvedCamera)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if settings.DisplayName == "" {
		settings.DisplayName = camera.DisplayNameFor(id)
	}
	return &Session{
		id:       id,
		settings: settings,
		state:    camera.StateIdle,
	}, nil
}

// ID はカメラIDを返す
func (s *Session) ID() string { return s.id }

// State は現在の状態を返す
func (s *Session) State() camera.State { return s.state }

// Settings は現在の設定を返す
func (s *Session) Settings() camera.Settings { return s.settings }

// LastError は最後のエラーメッセージを返す
func (s *Session) LastError() string { return s.lastError }

// RunID は現在または直近のキャプチャの識別子を返す
func (s *Session) RunID() string {
	if s.capture != nil {
		return s.capture.RunID
	}
	return s.lastRunID
}

// Sink はキャプチャ中の出力先を返す
func (s *Session) Sink() (render.SinkID, bool) {
	if s.capture == nil {
		return "", false
	}
	return s.capture.Sink, true
}

// StartPreview は Idle から Previewing に遷移する（既に Previewing なら何もしない）
func (s *Session) StartPreview() error {
	switch s.state {
	case camera.StateIdle:
		s.state = camera.StatePreviewing
		return nil
	case camera.StatePreviewing:
		return nil
	default:
		return s.invalid(camera.StatePreviewing)
	}
}

// StopPreview は Previewing から Idle に遷移する（Idle なら何もしない）
func (s *Session) StopPreview() error {
	switch s.state {
	case camera.StatePreviewing:
		s.state = camera.StateIdle
		return nil
	case camera.StateIdle:
		return nil
	default:
		return s.invalid(camera.StateIdle)
	}
}

// BeginCapture は Idle から Capturing に遷移し、開いた出力先を保持する
func (s *Session) BeginCapture(c Capture) error {
	switch s.state {
	case camera.StateIdle:
	case camera.StateCapturing:
		return fmt.Errorf("%w: %s", camera.ErrCaptureAlreadyActive, s.id)
	default:
		return s.invalid(camera.StateCapturing)
	}
	if c.Sink == "" {
		return errors.New("出力先が指定されていません")
	}

	s.capture = &c
	s.state = camera.StateCapturing
	s.achievedFps = 0
	s.framesCaptured = 0
	s.lastRunID = c.RunID
	s.lastCaptureDir = c.Dir
	s.lastCapturePath = ""
	return nil
}

// EndCapture は Capturing から Idle に遷移し、閉じるべき出力先を返す
// Capturing でない場合は何もせず false を返す
func (s *Session) EndCapture() (render.SinkID, bool) {
	if s.state != camera.StateCapturing {
		return "", false
	}
	sink := s.capture.Sink
	s.capture = nil
	s.state = camera.StateIdle
	return sink, true
}

// Fail は任意の状態から Error に遷移する
// Capturing だった場合は閉じるべき出力先を返す
func (s *Session) Fail(reason string) (render.SinkID, bool) {
	if reason == "" {
		reason = "不明なエラー"
	}

	var sink render.SinkID
	var hadSink bool
	if s.capture != nil {
		sink, hadSink = s.capture.Sink, true
		s.capture = nil
	}
	s.state = camera.StateError
	s.lastError = reason
	return sink, hadSink
}

// Reset は Error から Idle に遷移し、エラーメッセージを消去する（Idle なら何もしない）
func (s *Session) Reset() error {
	switch s.state {
	case camera.StateError:
		s.state = camera.StateIdle
		s.lastError = ""
		return nil
	case camera.StateIdle:
		return nil
	default:
		return s.invalid(camera.StateIdle)
	}
}

// ApplyPatch は設定を部分更新する
// 不正なフィールドはそれぞれ拒否して元の値を残し、正しいフィールドは適用する
// 返すエラーは拒否したフィールドのエラーをまとめたもの
func (s *Session) ApplyPatch(p camera.SettingsPatch) error {
	var errs []error
	next := s.settings

	if p.DisplayName != nil {
		if *p.DisplayName == "" {
			next.DisplayName = camera.DisplayNameFor(s.id)
		} else {
			next.DisplayName = *p.DisplayName
		}
	}
	if p.Resolution != nil {
		if err := p.Resolution.Validate(); err != nil {
			errs = append(errs, err)
		} else {
			next.Resolution = *p.Resolution
		}
	}
	if p.FrameRate != nil {
		if err := camera.ValidateFrameRate(*p.FrameRate); err != nil {
			errs = append(errs, err)
		} else {
			next.FrameRate = *p.FrameRate
		}
	}
	if p.Mode != nil {
		if mode, err := camera.ParseMode(string(*p.Mode)); err != nil {
			errs = append(errs, err)
		} else {
			next.Mode = mode
		}
	}
	if p.OutputPath != nil {
		next.OutputPath = *p.OutputPath
	}
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.FocalLength != nil {
		o := next.Optics
		o.FocalLength = *p.FocalLength
		if err := o.Validate(); err != nil {
			errs = append(errs, err)
		} else {
			next.Optics = o
		}
	}
	if p.FocusDistance != nil {
		o := next.Optics
		o.FocusDistance = *p.FocusDistance
		if err := o.Validate(); err != nil {
			errs = append(errs, err)
		} else {
			next.Optics = o
		}
	}
	if p.Exposure != nil {
		o := next.Optics
		o.Exposure = *p.Exposure
		if err := o.Validate(); err != nil {
			errs = append(errs, err)
		} else {
			next.Optics = o
		}
	}

	s.settings = next
	return errors.Join(errs...)
}

// SetAchievedFPS は FPS 監視の計測値を反映する
func (s *Session) SetAchievedFPS(fps float64) {
	s.achievedFps = fps
}

// RecordFrame はキャプチャしたフレーム数を加算する
func (s *Session) RecordFrame() {
	if s.state == camera.StateCapturing {
		s.framesCaptured++
	}
}

// SetLastCapturePath は確定した出力先を記録する
func (s *Session) SetLastCapturePath(path string) {
	s.lastCapturePath = path
}

func (s *Session) invalid(to camera.State) error {
	return fmt.Errorf("%w: %s (%s → %s)", camera.ErrInvalidTransition, s.id, s.state, to)
}
