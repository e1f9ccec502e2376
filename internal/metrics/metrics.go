// ABOUTME: Prometheus metrics for the MCP transport, fed by its lifecycle events
// ABOUTME: Serves a private registry at the configured path through the transport's router

package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-mcp/internal/transport"
)

// DefaultPath is where metrics are served when no path is configured.
const DefaultPath = "/metrics"

const namespace = "coven_mcp"

// CountSource reports live session and stream counts at scrape time.
type CountSource interface {
	Counts() (sessions, streams int)
}

// Collector turns transport events into Prometheus metrics.
type Collector struct {
	path     string
	registry *prometheus.Registry
	logger   *slog.Logger

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authFailures    *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	sessionsPurged  prometheus.Counter
	streamsOpened   prometheus.Counter
	streamsClosed   *prometheus.CounterVec
	droppedStreams  prometheus.Counter
}

var (
	_ transport.EventSink    = (*Collector)(nil)
	_ transport.RouteMounter = (*Collector)(nil)
)

// New creates a Collector serving at path. The registry also carries the Go
// runtime and process collectors.
func New(path string, logger *slog.Logger) *Collector {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		path:     path,
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "MCP POST requests by JSON-RPC method and HTTP status.",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling MCP POST requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests refused by an auth decorator, by OAuth error code.",
		}, []string{"reason"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Requests refused by the origin, IP or protocol version gate.",
		}, []string{"reason"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_purged_total",
			Help:      "Idle sessions removed by housekeeping.",
		}),
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "SSE streams opened, including upgraded POST responses.",
		}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "SSE streams closed, by reason.",
		}, []string{"reason"}),
		droppedStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_streams_total",
			Help:      "SSE streams dropped after a failed write.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.requestDuration,
		c.authFailures,
		c.rejections,
		c.sessionsCreated,
		c.sessionsPurged,
		c.streamsOpened,
		c.streamsClosed,
		c.droppedStreams,
	)
	return c
}

// Observe registers gauges that read live counts from src at scrape time.
func (c *Collector) Observe(src CountSource) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live sessions.",
		}, func() float64 {
			sessions, _ := src.Counts()
			return float64(sessions)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Open SSE streams.",
		}, func() float64 {
			_, streams := src.Counts()
			return float64(streams)
		}),
	)
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// HandleEvent implements transport.EventSink.
func (c *Collector) HandleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventRequest:
		method := ev.Method
		if method == "" {
			method = "unknown"
		}
		c.requests.WithLabelValues(method, strconv.Itoa(ev.Status)).Inc()
		c.requestDuration.WithLabelValues(method).Observe(ev.Duration.Seconds())
	case transport.EventAuthFailed:
		c.authFailures.WithLabelValues(ev.Reason).Inc()
	case transport.EventRejected:
		c.rejections.WithLabelValues(ev.Reason).Inc()
	case transport.EventSessionCreated:
		c.sessionsCreated.Inc()
	case transport.EventSessionPurged:
		c.sessionsPurged.Inc()
	case transport.EventStreamOpened:
		c.streamsOpened.Inc()
	case transport.EventStreamClosed:
		c.streamsClosed.WithLabelValues(ev.Reason).Inc()
		if strings.HasSuffix(ev.Reason, "failed") {
			c.droppedStreams.Inc()
		}
	default:
		c.logger.Debug("ignoring event", "type", ev.Type)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(c.logger.Handler(), slog.LevelWarn),
	})
}

// MountRoutes implements transport.RouteMounter.
func (c *Collector) MountRoutes(r chi.Router) {
	r.Method(http.MethodGet, c.path, c.Handler())
}
