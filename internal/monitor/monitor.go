// Package monitor キャプチャ中のカメラごとの実効フレームレートを計測し、低下を警告する
//
// Monitor は更新ループの単一ゴルーチンからのみ呼ばれる前提でロックを持たない。
// 時刻は呼び出し側から渡され、最後に渡された時刻を現在時刻として扱う。
package monitor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/stat"
)

// Config は FPS 監視の設定
type Config struct {
	// Tolerance は要求フレームレートに対する許容低下率 (0.1 なら 90% 未満で低下とみなす)
	Tolerance float64 `yaml:"tolerance"`

	// DebounceWindow は低下が継続してから警告するまでの時間
	DebounceWindow time.Duration `yaml:"debounce_window" split_words:"true"`

	// SampleSize は移動平均に使うフレーム間隔の数
	SampleSize int `yaml:"sample_size" split_words:"true"`

	// AppSampleWindow はアプリケーション更新レートの計測窓
	AppSampleWindow time.Duration `yaml:"app_sample_window" split_words:"true"`

	// DropThreshold は期待フレーム数に対してこの割合を下回るとサマリーでドロップと判定する
	DropThreshold float64 `yaml:"drop_threshold" split_words:"true"`
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Tolerance:       0.1,
		DebounceWindow:  2 * time.Second,
		SampleSize:      30,
		AppSampleWindow: time.Second,
		DropThreshold:   0.95,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Tolerance <= 0 || c.Tolerance >= 1 {
		return fmt.Errorf("無効な許容低下率: %v (0〜1)", c.Tolerance)
	}
	if c.DebounceWindow < 0 {
		return fmt.Errorf("無効なデバウンス時間: %v", c.DebounceWindow)
	}
	if c.SampleSize < 1 {
		return fmt.Errorf("無効なサンプル数: %d", c.SampleSize)
	}
	if c.AppSampleWindow <= 0 {
		return errors.New("アプリケーション更新レートの計測窓が設定されていません")
	}
	if c.DropThreshold <= 0 || c.DropThreshold > 1 {
		return fmt.Errorf("無効なドロップ判定率: %v", c.DropThreshold)
	}
	return nil
}

// Warning はフレームレート低下の警告
type Warning struct {
	ID         string    `json:"id"`
	CameraID   string    `json:"cameraId"`
	Requested  int       `json:"requestedFps"`
	Achieved   float64   `json:"achievedFps"`
	AppFPS     float64   `json:"appFps"`
	AppLimited bool      `json:"appLimited"` // 要求レートがアプリケーションの更新レートを超えている
	Since      time.Time `json:"since"`
	At         time.Time `json:"at"`
}

// Message は利用者向けの警告文を返す
func (w Warning) Message() string {
	if w.AppLimited {
		return fmt.Sprintf("%s: 要求 %dfps に対し %.1ffps (アプリケーションの更新レート %.1ffps が上限)",
			w.CameraID, w.Requested, w.Achieved, w.AppFPS)
	}
	return fmt.Sprintf("%s: 要求 %dfps に対し %.1ffps", w.CameraID, w.Requested, w.Achieved)
}

// Summary はキャプチャ1回分の集計
type Summary struct {
	CameraID  string        `json:"cameraId"`
	Frames    int           `json:"frames"`
	Expected  int           `json:"expectedFrames"`
	Duration  time.Duration `json:"duration"`
	Requested int           `json:"requestedFps"`
	Achieved  float64       `json:"achievedFps"`
	Dropped   bool          `json:"dropped"`
}

type tracker struct {
	requested int
	start     time.Time
	lastFrame time.Time
	frames    int

	// フレーム間隔（秒）のリングバッファ
	intervals []float64
	next      int

	degradedSince time.Time
	warned        bool
}

// Monitor はカメラごとのフレーム到着を集計する
type Monitor struct {
	cfg      Config
	trackers map[string]*tracker
	now      time.Time

	appTicks   int
	appElapsed time.Duration
	appFPS     float64
}

// New は新しいMonitorを作成する
func New(cfg Config) *Monitor {
	if cfg.SampleSize < 1 {
		cfg.SampleSize = 1
	}
	return &Monitor{
		cfg:      cfg,
		trackers: make(map[string]*tracker),
	}
}

// Track はカメラの計測を開始する（既に計測中ならリセットする）
func (m *Monitor) Track(id string, requestedFps int, at time.Time) {
	m.advance(at)
	m.trackers[id] = &tracker{
		requested: requestedFps,
		start:     at,
		intervals: make([]float64, 0, m.cfg.SampleSize),
	}
}

// Tracking は計測中かどうかを返す
func (m *Monitor) Tracking(id string) bool {
	_, ok := m.trackers[id]
	return ok
}

// SetRequested はキャプチャ中に変更された要求フレームレートを反映する
// 低下の判定はやり直す
func (m *Monitor) SetRequested(id string, requestedFps int) {
	tr, ok := m.trackers[id]
	if !ok || tr.requested == requestedFps {
		return
	}
	tr.requested = requestedFps
	tr.degradedSince = time.Time{}
	tr.warned = false
}

// Untrack は計測を終了し、at までの集計を返す
func (m *Monitor) Untrack(id string, at time.Time) (Summary, bool) {
	tr, ok := m.trackers[id]
	if !ok {
		return Summary{}, false
	}
	m.advance(at)
	summary := m.summarize(id, tr, at)
	delete(m.trackers, id)
	return summary, true
}

// ObserveFrame はフレームの到着を記録する
func (m *Monitor) ObserveFrame(id string, at time.Time) {
	tr, ok := m.trackers[id]
	if !ok {
		return
	}
	m.advance(at)

	if !tr.lastFrame.IsZero() {
		interval := at.Sub(tr.lastFrame).Seconds()
		if interval > 0 {
			if len(tr.intervals) < m.cfg.SampleSize {
				tr.intervals = append(tr.intervals, interval)
			} else {
				tr.intervals[tr.next] = interval
			}
			tr.next = (tr.next + 1) % m.cfg.SampleSize
		}
	}
	tr.lastFrame = at
	tr.frames++
}

// ObserveTick はアプリケーションの更新1回分の経過時間を記録する
func (m *Monitor) ObserveTick(dt time.Duration) {
	if dt <= 0 {
		return
	}
	m.appTicks++
	m.appElapsed += dt
	if m.appElapsed >= m.cfg.AppSampleWindow {
		m.appFPS = float64(m.appTicks) / m.appElapsed.Seconds()
		m.appTicks = 0
		m.appElapsed = 0
	}
}

// AppFPS は最後に計測したアプリケーションの更新レートを返す（未計測なら 0）
func (m *Monitor) AppFPS() float64 {
	return m.appFPS
}

// Achieved はカメラの実効フレームレートを返す
func (m *Monitor) Achieved(id string) float64 {
	tr, ok := m.trackers[id]
	if !ok {
		return 0
	}
	return m.achieved(tr, m.now)
}

// Frames はカメラの受信フレーム数を返す
func (m *Monitor) Frames(id string) int {
	if tr, ok := m.trackers[id]; ok {
		return tr.frames
	}
	return 0
}

// Evaluate は全カメラの実効レートを評価し、新たに発生した警告を返す
// 警告は低下が DebounceWindow 以上続いたときに1回だけ発生し、回復すると再び発生可能になる
func (m *Monitor) Evaluate(now time.Time) []Warning {
	m.advance(now)

	ids := make([]string, 0, len(m.trackers))
	for id := range m.trackers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var warnings []Warning
	for _, id := range ids {
		tr := m.trackers[id]
		achieved := m.achieved(tr, m.now)
		threshold := float64(tr.requested) * (1 - m.cfg.Tolerance)

		if achieved >= threshold {
			tr.degradedSince = time.Time{}
			tr.warned = false
			continue
		}

		if tr.degradedSince.IsZero() {
			tr.degradedSince = m.now
		}
		if tr.warned || m.now.Sub(tr.degradedSince) < m.cfg.DebounceWindow {
			continue
		}

		tr.warned = true
		warnings = append(warnings, Warning{
			ID:         ulid.Make().String(),
			CameraID:   id,
			Requested:  tr.requested,
			Achieved:   achieved,
			AppFPS:     m.appFPS,
			AppLimited: m.appFPS > 0 && float64(tr.requested) > m.appFPS,
			Since:      tr.degradedSince,
			At:         m.now,
		})
	}
	return warnings
}

// Summary は計測中のカメラの現時点の集計を返す
func (m *Monitor) Summary(id string, now time.Time) (Summary, bool) {
	tr, ok := m.trackers[id]
	if !ok {
		return Summary{}, false
	}
	m.advance(now)
	return m.summarize(id, tr, m.now), true
}

func (m *Monitor) summarize(id string, tr *tracker, now time.Time) Summary {
	duration := now.Sub(tr.start)
	if duration < 0 {
		duration = 0
	}
	s := Summary{
		CameraID:  id,
		Frames:    tr.frames,
		Duration:  duration,
		Requested: tr.requested,
		Expected:  int(duration.Seconds() * float64(tr.requested)),
	}
	if duration > 0 {
		s.Achieved = float64(tr.frames) / duration.Seconds()
	}
	s.Dropped = s.Expected > 0 && float64(s.Frames) < float64(s.Expected)*m.cfg.DropThreshold
	return s
}

// achieved は直近のフレーム間隔の平均から実効レートを求める
// 最後のフレームから平均間隔以上経過している場合は、その経過時間で減衰させる
func (m *Monitor) achieved(tr *tracker, now time.Time) float64 {
	if len(tr.intervals) == 0 {
		elapsed := now.Sub(tr.start).Seconds()
		if elapsed <= 0 {
			return 0
		}
		return float64(tr.frames) / elapsed
	}

	mean := stat.Mean(tr.intervals, nil)
	if mean <= 0 {
		return 0
	}
	rate := 1 / mean

	if gap := now.Sub(tr.lastFrame).Seconds(); gap > mean {
		rate = 1 / gap
	}
	return rate
}

func (m *Monitor) advance(t time.Time) {
	if t.After(m.now) {
		m.now = t
	}
}
