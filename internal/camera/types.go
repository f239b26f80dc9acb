package camera

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"
)

// 設定値の上下限
const (
	MinDimension = 64
	MaxDimension = 4096
	MinFrameRate = 1
	MaxFrameRate = 120

	MinExposure = -10.0
	MaxExposure = 10.0

	// SensorWidth は画角計算に使う35mmフルサイズ換算のセンサー幅 (mm)
	SensorWidth = 36.0
)

// デフォルト値（永続化データでフィールドが欠けている場合にも使用する）
const (
	DefaultWidth         = 1280
	DefaultHeight        = 720
	DefaultFrameRate     = 30
	DefaultFocalLength   = 24.0
	DefaultFocusDistance = 400.0
)

// State はカメラセッションの状態を表す
type State string

const (
	StateIdle       State = "Idle"       // 待機中
	StatePreviewing State = "Previewing" // ビューポートでプレビュー中
	StateCapturing  State = "Capturing"  // キャプチャ中
	StateError      State = "Error"      // エラー発生
)

// Mode は出力形式を表す
type Mode string

const (
	ModeImageSequence Mode = "ImageSequence" // 連番画像
	ModeVideo         Mode = "Video"         // 動画コンテナ
)

// ParseMode は文字列から出力モードを解釈する
// 空文字列はデフォルトの ImageSequence として扱う
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "imagesequence", "image_sequence", "image":
		return ModeImageSequence, nil
	case "video":
		return ModeVideo, nil
	default:
		return "", fmt.Errorf("%w: 出力モード %q", ErrUnsupportedConfig, s)
	}
}

// Resolution は出力解像度を表す
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// String は "1920x1080" 形式の文字列を返す
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Validate は解像度が範囲内かを検証する
func (r Resolution) Validate() error {
	if r.Width < MinDimension || r.Width > MaxDimension ||
		r.Height < MinDimension || r.Height > MaxDimension {
		return fmt.Errorf("%w: %s (各辺 %d〜%d)", ErrInvalidResolution, r, MinDimension, MaxDimension)
	}
	return nil
}

// ValidateFrameRate はフレームレートが範囲内かを検証する
func ValidateFrameRate(fps int) error {
	if fps < MinFrameRate || fps > MaxFrameRate {
		return fmt.Errorf("%w: %d (%d〜%d)", ErrInvalidFrameRate, fps, MinFrameRate, MaxFrameRate)
	}
	return nil
}

// Optics はカメラの光学特性を表す
type Optics struct {
	FocalLength   float64 `json:"focalLength" yaml:"focalLength"`     // 焦点距離 (mm)
	FocusDistance float64 `json:"focusDistance" yaml:"focusDistance"` // 合焦距離 (cm)
	Exposure      float64 `json:"exposure" yaml:"exposure"`           // 露出補正 (EV)
}

// DefaultOptics はデフォルトの光学特性を返す
func DefaultOptics() Optics {
	return Optics{
		FocalLength:   DefaultFocalLength,
		FocusDistance: DefaultFocusDistance,
	}
}

// Validate は光学特性を検証する
func (o Optics) Validate() error {
	if o.FocalLength <= 0 || math.IsNaN(o.FocalLength) {
		return fmt.Errorf("%w: 焦点距離 %v", ErrInvalidOptics, o.FocalLength)
	}
	if o.FocusDistance <= 0 || math.IsNaN(o.FocusDistance) {
		return fmt.Errorf("%w: 合焦距離 %v", ErrInvalidOptics, o.FocusDistance)
	}
	if o.Exposure < MinExposure || o.Exposure > MaxExposure || math.IsNaN(o.Exposure) {
		return fmt.Errorf("%w: 露出 %v", ErrInvalidOptics, o.Exposure)
	}
	return nil
}

// FieldOfView は焦点距離から水平画角（度）を計算する
func (o Optics) FieldOfView() float64 {
	if o.FocalLength <= 0 {
		return 90.0
	}
	return 2 * math.Atan(SensorWidth/(2*o.FocalLength)) * 180 / math.Pi
}

// FocalLengthForFOV は水平画角（度）から焦点距離を逆算する
func FocalLengthForFOV(fov float64) float64 {
	if fov <= 0 || fov >= 180 {
		return DefaultFocalLength
	}
	return SensorWidth / (2 * math.Tan(fov*math.Pi/360))
}

// Settings はカメラ1台分のキャプチャ設定を表す
type Settings struct {
	DisplayName string
	Resolution  Resolution
	FrameRate   int
	Mode        Mode
	OutputPath  string // 空の場合は共有のデフォルト出力先を使う
	Optics      Optics
	Enabled     bool // false の場合は一括キャプチャの対象外
}

// DefaultSettings はカメラIDからデフォルト設定を作成する
func DefaultSettings(id string) Settings {
	return Settings{
		DisplayName: DisplayNameFor(id),
		Resolution:  Resolution{Width: DefaultWidth, Height: DefaultHeight},
		FrameRate:   DefaultFrameRate,
		Mode:        ModeImageSequence,
		Optics:      DefaultOptics(),
		Enabled:     true,
	}
}

// Validate は設定全体を検証する
func (s Settings) Validate() error {
	if err := s.Resolution.Validate(); err != nil {
		return err
	}
	if err := ValidateFrameRate(s.FrameRate); err != nil {
		return err
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	return s.Optics.Validate()
}

// SettingsPatch は部分的な設定更新を表す
// nil のフィールドは変更しない
type SettingsPatch struct {
	DisplayName   *string     `json:"displayName,omitempty"`
	Resolution    *Resolution `json:"resolution,omitempty"`
	FrameRate     *int        `json:"frameRate,omitempty"`
	Mode          *Mode       `json:"mode,omitempty"`
	OutputPath    *string     `json:"outputPath,omitempty"`
	FocalLength   *float64    `json:"focalLength,omitempty"`
	FocusDistance *float64    `json:"focusDistance,omitempty"`
	Exposure      *float64    `json:"exposure,omitempty"`
	Enabled       *bool       `json:"enabled,omitempty"`
}

// IsEmpty は変更対象のフィールドがないかを返す
func (p SettingsPatch) IsEmpty() bool {
	return p.DisplayName == nil && p.Resolution == nil && p.FrameRate == nil &&
		p.Mode == nil && p.OutputPath == nil && p.FocalLength == nil &&
		p.FocusDistance == nil && p.Exposure == nil && p.Enabled == nil
}

// AffectsRendering はレンダラーに影響する変更を含むかを返す
func (p SettingsPatch) AffectsRendering() bool {
	return p.Resolution != nil || p.FrameRate != nil || p.Mode != nil ||
		p.FocalLength != nil || p.FocusDistance != nil || p.Exposure != nil
}

// DisplayNameFor はカメラパスの末尾要素を表示名として返す
func DisplayNameFor(id string) string {
	base := path.Base(strings.TrimRight(id, "/"))
	if base == "." || base == "/" || base == "" {
		return id
	}
	return base
}

// Info はシーン内で列挙されたカメラの情報
type Info struct {
	ID          string `json:"id" yaml:"path"`
	DisplayName string `json:"displayName" yaml:"name"`
}

// Handle は解決済みのカメラハンドル
// 長期間キャッシュせず、状態を変える操作のたびに解決し直す
type Handle struct {
	ID   string
	Name string
}

// Provider はシーン内のカメラを列挙・解決する（Scene Camera Provider）
type Provider interface {
	// ListCameras はシーン内のカメラ一覧を返す
	ListCameras(ctx context.Context) ([]Info, error)

	// Resolve はカメラIDをハンドルに解決する
	// 解決できない場合は ErrUnresolvedCamera を返す
	Resolve(ctx context.Context, id string) (Handle, error)
}
