package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	sessionsTotal     *prometheus.CounterVec
	pollsTotal        *prometheus.CounterVec
	mintsTotal        *prometheus.CounterVec
	mediaUploadsTotal *prometheus.CounterVec
	sweepDLQDepth     prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapmint_sessions_created_total",
		Help: "Total number of escrow sessions created",
	}, []string{"output_type"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapmint_session_polls_total",
		Help: "Session status polls by resulting status",
	}, []string{"status"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapmint_mints_total",
		Help: "Mint outcomes observed by the poll endpoint",
	}, []string{"result"})

	uploads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapmint_media_uploads_total",
		Help: "Artifact media uploads by result",
	}, []string{"result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snapmint_sweep_dlq_depth",
		Help: "Number of failed sweeps awaiting operator replay",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(sessions, polls, mints, uploads, dlq)

	return &metricsRegistry{
		registry:          r,
		sessionsTotal:     sessions,
		pollsTotal:        polls,
		mintsTotal:        mints,
		mediaUploadsTotal: uploads,
		sweepDLQDepth:     dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSession(outputType string) {
	m.sessionsTotal.WithLabelValues(outputType).Inc()
}

func (m *metricsRegistry) incPoll(status string) {
	m.pollsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incMint(result string) {
	m.mintsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incMediaUpload(result string) {
	m.mediaUploadsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setSweepDLQDepth(depth int) {
	m.sweepDLQDepth.Set(float64(depth))
}
