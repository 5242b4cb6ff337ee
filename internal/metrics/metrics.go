// Package metrics provides Prometheus instrumentation for the bot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records backend calls, link outcomes and commands.
type Metrics struct {
	registry        *prometheus.Registry
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	linkOutcomes    *prometheus.CounterVec
	commands        *prometheus.CounterVec
	sweptStates     prometheus.Counter
}

// New creates Metrics on a private registry, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		backendCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_backend_requests_total",
				Help: "Backend calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		backendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helpme_backend_request_duration_seconds",
				Help:    "Backend call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		linkOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_link_outcomes_total",
				Help: "Account linking attempts by outcome",
			},
			[]string{"outcome"},
		),
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_commands_total",
				Help: "Slack commands handled by name and result",
			},
			[]string{"command", "result"},
		),
		sweptStates: f.NewCounter(prometheus.CounterOpts{
			Name: "helpme_link_states_swept_total",
			Help: "Expired link states removed by the sweeper",
		}),
	}
}

// ObserveBackendCall records one backend call.
func (m *Metrics) ObserveBackendCall(endpoint, outcome string, elapsed time.Duration) {
	m.backendCalls.WithLabelValues(endpoint, outcome).Inc()
	m.backendDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// LinkOutcome counts a finished linking attempt.
func (m *Metrics) LinkOutcome(outcome string) {
	m.linkOutcomes.WithLabelValues(outcome).Inc()
}

// CommandHandled counts a handled command.
func (m *Metrics) CommandHandled(command, result string) {
	m.commands.WithLabelValues(command, result).Inc()
}

// StatesSwept adds n swept link states.
func (m *Metrics) StatesSwept(n int64) {
	if n > 0 {
		m.sweptStates.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
