package session

import (
	"time"

	"multicam/internal/camera"
)

// View は問い合わせ用のセッションのコピー
type View struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Resolution  camera.Resolution `json:"resolution"`
	FrameRate   int               `json:"frameRate"`
	Mode        camera.Mode       `json:"mode"`
	OutputPath  string            `json:"outputPath"`
	Optics      camera.Optics     `json:"optics"`
	FieldOfView float64           `json:"fieldOfView"`
	Enabled     bool              `json:"enabled"`

	State       camera.State `json:"state"`
	AchievedFPS float64      `json:"achievedFps"`
	LastError   string       `json:"lastError,omitempty"`

	RunID            string     `json:"runId,omitempty"`
	CaptureDir       string     `json:"captureDir,omitempty"`
	CaptureStartedAt *time.Time `json:"captureStartedAt,omitempty"`
	LastCapturePath  string     `json:"lastCapturePath,omitempty"`
	FramesCaptured   int        `json:"framesCaptured"`
}

// Settings は View から設定部分を取り出す
func (v View) Settings() camera.Settings {
	return camera.Settings{
		DisplayName: v.DisplayName,
		Resolution:  v.Resolution,
		FrameRate:   v.FrameRate,
		Mode:        v.Mode,
		OutputPath:  v.OutputPath,
		Optics:      v.Optics,
		Enabled:     v.Enabled,
	}
}

// View は現在の状態のコピーを返す
func (s *Session) View() View {
	v := View{
		ID:          s.id,
		DisplayName: s.settings.DisplayName,
		Resolution:  s.settings.Resolution,
		FrameRate:   s.settings.FrameRate,
		Mode:        s.settings.Mode,
		OutputPath:  s.settings.OutputPath,
		Optics:      s.settings.Optics,
		FieldOfView: s.settings.Optics.FieldOfView(),
		Enabled:     s.settings.Enabled,

		State:       s.state,
		AchievedFPS: s.achievedFps,
		LastError:   s.lastError,

		RunID:           s.RunID(),
		CaptureDir:      s.lastCaptureDir,
		LastCapturePath: s.lastCapturePath,
		FramesCaptured:  s.framesCaptured,
	}
	if s.capture != nil {
		started := s.capture.StartedAt
		v.CaptureStartedAt = &started
	}
	return v
}
