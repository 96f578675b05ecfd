package admin

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
)

// Metrics holds all Prometheus metrics for dproxy. Pass to components
// that need to record metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TunnelsTotal    prometheus.Counter
	CertMintsTotal  prometheus.Counter
	reg             prometheus.Registerer
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dproxy",
				Name:      "requests_total",
				Help:      "Total intercepted requests processed",
			},
			[]string{"mode", "source"}, // source=upstream/recording/replay/replay-miss/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dproxy",
				Name:      "request_duration_seconds",
				Help:      "Intercepted request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		TunnelsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "dproxy",
				Name:      "tunnels_total",
				Help:      "Total blind CONNECT tunnels established",
			},
		),
		CertMintsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "dproxy",
				Name:      "cert_mints_total",
				Help:      "Total leaf certificates minted",
			},
		),
		reg: reg,
	}
}

// RegisterGauge exposes a component-owned value as a gauge, sampled at
// scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "dproxy", Name: name, Help: help},
		fn,
	)
}

// MetricsInterceptor records per-request counters and latency at the
// tail of the response chain.
type MetricsInterceptor struct {
	metrics *Metrics
}

// NewMetricsInterceptor creates the metrics response interceptor. It
// runs after the stats interceptor so recorded latency covers the whole
// chain.
func NewMetricsInterceptor(m *Metrics) *MetricsInterceptor {
	return &MetricsInterceptor{metrics: m}
}

func (i *MetricsInterceptor) Name() string  { return "metrics" }
func (i *MetricsInterceptor) Priority() int { return 20 }
func (i *MetricsInterceptor) Enabled() bool { return true }

// InterceptResponse implements pipeline.ResponseInterceptor.
func (i *MetricsInterceptor) InterceptResponse(_ context.Context, rc *pipeline.RequestContext, resp *pipeline.ResponseContext) error {
	mode := rc.Meta.Mode
	if mode == "" {
		mode = "unknown"
	}
	source := resp.Source
	if source == "" {
		source = "unknown"
	}
	i.metrics.RequestsTotal.WithLabelValues(mode, source).Inc()
	i.metrics.RequestDuration.WithLabelValues(mode).Observe(time.Since(rc.StartedAt).Seconds())
	return nil
}

var _ pipeline.ResponseInterceptor = (*MetricsInterceptor)(nil)
