// Package metrics holds the Prometheus collectors of the build service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "builds"

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	buildsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of accepted publish requests.",
		},
	)

	buildsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "finished_total",
			Help:      "Total number of builds that reached a terminal state.",
		},
		[]string{"state", "category"},
	)

	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "build_duration_seconds",
			Help:      "Duration of build execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3m
		},
		[]string{"state"},
	)

	depcacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "depcache",
			Name:      "requests_total",
			Help:      "Dependency cache lookups by result.",
		},
		[]string{"result"},
	)

	eventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Current number of build event subscribers.",
		},
	)

	reclaimableBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "reclaimable_bytes",
			Help:      "Bytes held by orphaned build folders past retention.",
		},
	)

	shimInjections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alias",
			Name:      "shim_injections_total",
			Help:      "Runtime shim injections by insertion point.",
		},
		[]string{"at"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	Registry.MustRegister(
		buildsEnqueued,
		buildsFinished,
		buildDuration,
		depcacheRequests,
		eventSubscribers,
		reclaimableBytes,
		shimInjections,
		httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

const (
	DepcacheHit   = "hit"
	DepcacheMiss  = "miss"
	DepcacheError = "error"
)

func ObserveDepcache(result string) {
	depcacheRequests.WithLabelValues(result).Inc()
}

func ObserveEnqueued() {
	buildsEnqueued.Inc()
}

func ObserveFinished(state, category string, d time.Duration) {
	buildsFinished.WithLabelValues(state, category).Inc()
	buildDuration.WithLabelValues(state).Observe(d.Seconds())
}

func AddSubscribers(delta int) {
	eventSubscribers.Add(float64(delta))
}

func SetReclaimableBytes(n int64) {
	reclaimableBytes.Set(float64(n))
}

func ObserveShimInjection(at string) {
	shimInjections.WithLabelValues(at).Inc()
}

// InstrumentHandler counts requests by route pattern and status.
func InstrumentHandler(route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, route(r), strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer is not a hijacker")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
