package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// feed は fps の間隔で d の間フレームを送り、フレームごとに評価して発生した警告を返す
func feed(m *Monitor, id string, from time.Time, fps int, d time.Duration) ([]Warning, time.Time) {
	var warnings []Warning
	interval := time.Second / time.Duration(fps)
	last := from
	for at := from; !at.After(from.Add(d)); at = at.Add(interval) {
		m.ObserveFrame(id, at)
		warnings = append(warnings, m.Evaluate(at)...)
		last = at
	}
	return warnings, last
}

func TestMonitor_SteadyRate(t *testing.T) {
	m := New(DefaultConfig())
	m.Track("cam", 30, t0)

	warnings, _ := feed(m, "cam", t0, 30, 3*time.Second)
	assert.Empty(t, warnings)
	assert.InDelta(t, 30.0, m.Achieved("cam"), 0.5)
}

func TestMonitor_DebounceOneWarningPerEpisode(t *testing.T) {
	m := New(DefaultConfig())
	m.Track("cam", 30, t0)

	// 半分のレートが続く: 2秒のデバウンス後に1回だけ警告
	warnings, last := feed(m, "cam", t0, 15, 4*time.Second)
	require.Len(t, warnings, 1)
	w := warnings[0]
	assert.Equal(t, "cam", w.CameraID)
	assert.Equal(t, 30, w.Requested)
	assert.InDelta(t, 15.0, w.Achieved, 0.5)
	assert.False(t, w.AppLimited)
	assert.NotEmpty(t, w.ID)
	assert.GreaterOrEqual(t, w.At.Sub(w.Since), 2*time.Second)

	// 回復しても同じエピソードでは再警告しない
	recovered, last := feed(m, "cam", last.Add(time.Second/30), 30, 2*time.Second)
	assert.Empty(t, recovered)

	// 再び低下すると新しいエピソードとしてもう一度警告する
	again, _ := feed(m, "cam", last.Add(time.Second/15), 15, 4*time.Second)
	require.Len(t, again, 1)
	assert.NotEqual(t, w.ID, again[0].ID)
}

func TestMonitor_NoWarningBeforeDebounce(t *testing.T) {
	m := New(DefaultConfig())
	m.Track("cam", 60, t0)

	warnings, _ := feed(m, "cam", t0, 20, 1500*time.Millisecond)
	assert.Empty(t, warnings)
}

func TestMonitor_AppLimited(t *testing.T) {
	m := New(DefaultConfig())
	for i := 0; i < 20; i++ {
		m.ObserveTick(50 * time.Millisecond)
	}
	assert.InDelta(t, 20.0, m.AppFPS(), 1e-9)

	m.Track("cam", 30, t0)
	warnings, _ := feed(m, "cam", t0, 20, 3*time.Second)
	require.Len(t, warnings, 1)
	assert.True(t, warnings[0].AppLimited)
	assert.Contains(t, warnings[0].Message(), "上限")
}

func TestMonitor_DecayWithoutFrames(t *testing.T) {
	m := New(DefaultConfig())
	m.Track("cam", 30, t0)
	_, last := feed(m, "cam", t0, 30, time.Second)

	// フレームが止まると実効レートは経過時間で減衰する
	m.Evaluate(last.Add(time.Second))
	assert.InDelta(t, 1.0, m.Achieved("cam"), 0.01)
}

func TestMonitor_IndependentAccumulators(t *testing.T) {
	m := New(DefaultConfig())
	m.Track("a", 30, t0)
	m.Track("b", 10, t0)

	feed(m, "a", t0, 30, time.Second)
	feed(m, "b", t0, 10, time.Second)

	assert.InDelta(t, 30.0, m.Achieved("a"), 0.5)
	assert.InDelta(t, 10.0, m.Achieved("b"), 0.5)
	assert.Equal(t, 31, m.Frames("a"))
	assert.Equal(t, 11, m.Frames("b"))

	_, ok := m.Untrack("a", t0.Add(time.Second))
	require.True(t, ok)
	assert.False(t, m.Tracking("a"))
	assert.True(t, m.Tracking("b"))
	assert.Zero(t, m.Achieved("a"))
}

func TestMonitor_SetRequested(t *testing.T) {
	m := New(DefaultConfig())
	m.Track("cam", 30, t0)

	warnings, last := feed(m, "cam", t0, 30, 2*time.Second)
	assert.Empty(t, warnings)

	// キャプチャ中に要求レートを上げると、新しい要求に対して判定する
	m.SetRequested("cam", 60)
	warnings, last = feed(m, "cam", last.Add(time.Second/30), 30, 3*time.Second)
	require.Len(t, warnings, 1)
	assert.Equal(t, 60, warnings[0].Requested)

	// 要求を戻すと低下は解消する
	m.SetRequested("cam", 30)
	warnings, _ = feed(m, "cam", last.Add(time.Second/30), 30, 3*time.Second)
	assert.Empty(t, warnings)

	// 計測していないカメラは無視する
	m.SetRequested("other", 10)
	assert.False(t, m.Tracking("other"))
}

func TestMonitor_Summary(t *testing.T) {
	m := New(DefaultConfig())

	m.Track("ok", 10, t0)
	feed(m, "ok", t0, 10, time.Second)
	summary, ok := m.Summary("ok", t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 11, summary.Frames)
	assert.Equal(t, 10, summary.Expected)
	assert.False(t, summary.Dropped)

	m.Track("slow", 10, t0)
	feed(m, "slow", t0, 5, 900*time.Millisecond)
	summary, ok = m.Untrack("slow", t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 5, summary.Frames)
	assert.True(t, summary.Dropped)

	_, ok = m.Untrack("missing", t0.Add(time.Second))
	assert.False(t, ok)
}

func TestMonitor_UntrackUsesStopTime(t *testing.T) {
	m := New(DefaultConfig())
	m.Track("cam", 10, t0)
	feed(m, "cam", t0, 10, time.Second)

	// 最後のフレームから4秒後に停止した場合は、停止時刻までを集計する
	summary, ok := m.Untrack("cam", t0.Add(5*time.Second))
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, summary.Duration)
	assert.Equal(t, 11, summary.Frames)
	assert.Equal(t, 50, summary.Expected)
	assert.True(t, summary.Dropped)
	assert.InDelta(t, 2.2, summary.Achieved, 0.01)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Tolerance = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SampleSize = 0
	assert.Error(t, cfg.Validate())
}
