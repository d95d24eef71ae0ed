package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	toolCalls    *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	rejections   *prometheus.CounterVec
}

// New creates the collectors. liveSessions is sampled on every scrape.
func New(liveSessions func() int) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdt_mcp_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdt_mcp_decode_errors_total",
			Help: "Inbound messages that could not be decoded, by kind",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdt_mcp_security_rejections_total",
			Help: "Network requests refused by the security gate, by reason",
		}, []string{"reason"}),
	}
	sessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mdt_mcp_live_sessions",
		Help: "Sessions that have not been terminated",
	}, func() float64 {
		if liveSessions == nil {
			return 0
		}
		return float64(liveSessions())
	})

	registry.MustRegister(m.toolCalls, m.decodeErrors, m.rejections, sessions)
	return m
}

func (m *Metrics) ToolCall(tool, outcome string) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) DecodeError(kind string) {
	m.decodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
