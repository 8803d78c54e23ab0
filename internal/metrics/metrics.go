// Package metrics holds the Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors. A nil *Metrics is valid and records
// nothing, so components can be built without metrics in tests.
type Metrics struct {
	ToolCalls      *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryResults   *prometheus.CounterVec
	HandlerBuilds  *prometheus.CounterVec
	HandlersCached prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgate_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semgate_query_duration_seconds",
				Help:    "Governed query execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		QueryResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgate_query_results_total",
				Help: "Governed query executions by result and error code",
			},
			[]string{"result", "code"},
		),
		HandlerBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgate_handler_builds_total",
				Help: "Database handler initializations by result",
			},
			[]string{"result"},
		),
		HandlersCached: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "semgate_handlers_cached",
				Help: "Number of ready database handlers in the cache",
			},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.ToolCalls, m.QueryDuration, m.QueryResults, m.HandlerBuilds, m.HandlersCached)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTool(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) ObserveQuery(result, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(result).Observe(d.Seconds())
	m.QueryResults.WithLabelValues(result, code).Inc()
}

func (m *Metrics) ObserveHandlerBuild(result string) {
	if m == nil {
		return
	}
	m.HandlerBuilds.WithLabelValues(result).Inc()
}

func (m *Metrics) SetHandlersCached(n int) {
	if m == nil {
		return
	}
	m.HandlersCached.Set(float64(n))
}
