// Package metrics holds the Prometheus collectors of the scan pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors bound to one registry.
type Metrics struct {
	Registry *prometheus.Registry

	PagesClassified *prometheus.CounterVec
	Pushes          *prometheus.CounterVec
	BundlesIngested *prometheus.CounterVec
	ExtractSeconds  prometheus.Histogram
	Requests        *prometheus.CounterVec
	RequestSeconds  *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PagesClassified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperscan_pages_classified_total",
				Help: "Staged pages classified, by classification",
			},
			[]string{"classification"},
		),
		Pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperscan_pushes_total",
				Help: "Push attempts, by result",
			},
			[]string{"result"},
		),
		BundlesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperscan_bundles_ingested_total",
				Help: "Bundle ingestions, by result",
			},
			[]string{"result"},
		),
		ExtractSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "paperscan_extract_seconds",
			Help:    "Time to decode and resolve the corner codes of one page",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperscan_http_requests_total",
				Help: "Operator API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paperscan_http_request_duration_seconds",
				Help:    "Duration of operator API requests",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
	}
	m.Registry.MustRegister(
		m.PagesClassified, m.Pushes, m.BundlesIngested, m.ExtractSeconds, m.Requests, m.RequestSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.Requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
