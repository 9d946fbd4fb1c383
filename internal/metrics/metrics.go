package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	DestinationCommits  *prometheus.CounterVec
	DestinationLatency  *prometheus.HistogramVec
	CommitsShortCircuit *prometheus.CounterVec
	Classifications     *prometheus.CounterVec
	MessagesSynced      prometheus.Counter
	SyncRuns            *prometheus.CounterVec
	StreamClients       prometheus.Gauge
}

// New registers every collector on a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inbox_router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		DestinationCommits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_destination_commits_total",
				Help: "Destination commits by system and outcome",
			},
			[]string{"system", "outcome"},
		),
		DestinationLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inbox_router_destination_commit_seconds",
				Help:    "Latency of destination commits",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"system"},
		),
		CommitsShortCircuit: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_commits_short_circuited_total",
				Help: "Commits skipped because the message already links to the destination",
			},
			[]string{"system"},
		),
		Classifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_classifications_total",
				Help: "Classification requests by outcome",
			},
			[]string{"outcome"},
		),
		MessagesSynced: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_router_messages_synced_total",
			Help: "Messages imported from the mail source",
		}),
		SyncRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_sync_runs_total",
				Help: "Sync runs by kind (baseline, incremental) and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_router_stream_clients",
			Help: "Open inbox event streams",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome labels a commit or classification result.
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveCommit records one destination commit.
func (m *Metrics) ObserveCommit(system string, started time.Time, err error) {
	m.DestinationCommits.WithLabelValues(system, Outcome(err)).Inc()
	m.DestinationLatency.WithLabelValues(system).Observe(time.Since(started).Seconds())
}

// Middleware records request counts and latencies per route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
