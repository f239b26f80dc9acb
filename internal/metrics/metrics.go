// Package metrics キャプチャ処理の Prometheus メトリクスを提供する
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "multicam"

// Metrics はアプリケーションのメトリクス一式
// グローバルレジストリを汚さないよう、インスタンスごとに専用のレジストリを持つ
type Metrics struct {
	registry *prometheus.Registry

	// セッション
	Sessions       *prometheus.GaugeVec
	SessionErrors  prometheus.Counter
	CapturesActive prometheus.Gauge
	CapturesTotal  *prometheus.CounterVec

	// フレームレート
	FramesTotal *prometheus.CounterVec
	AchievedFPS *prometheus.GaugeVec
	AppFPS      prometheus.Gauge
	FPSWarnings prometheus.Counter

	// 永続化
	StoreSaves *prometheus.CounterVec

	// HTTP / WebSocket
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
}

// New は新しいMetricsを作成する
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of camera sessions by state",
		}, []string{"state"}),
		SessionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Number of sessions that entered the Error state",
		}),
		CapturesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "captures_active",
			Help:      "Number of sessions currently capturing",
		}),
		CapturesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Number of captures started by output mode",
		}, []string{"mode"}),

		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Number of frames delivered by camera",
		}, []string{"camera"}),
		AchievedFPS: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "achieved_fps",
			Help:      "Rolling achieved capture rate by camera",
		}, []string{"camera"}),
		AppFPS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "app_fps",
			Help:      "Measured application update rate",
		}),
		FPSWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fps_warnings_total",
			Help:      "Number of frame rate degradation warnings",
		}),

		StoreSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_saves_total",
			Help:      "Number of snapshot saves by result",
		}, []string{"result"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "path"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open event stream connections",
		}),
	}
}

// Handler は /metrics 用のHTTPハンドラーを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry は内部のレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest はHTTPリクエストを記録する
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// RecordSave は保存結果を記録する
func (m *Metrics) RecordSave(err error) {
	if err != nil {
		m.StoreSaves.WithLabelValues("error").Inc()
		return
	}
	m.StoreSaves.WithLabelValues("ok").Inc()
}

// ForgetCamera は削除されたカメラのラベルを破棄する
func (m *Metrics) ForgetCamera(id string) {
	m.FramesTotal.DeleteLabelValues(id)
	m.AchievedFPS.DeleteLabelValues(id)
}
