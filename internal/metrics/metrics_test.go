package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreIndependentPerInstance(t *testing.T) {
	a, b := New(), New()
	a.Pushes.WithLabelValues("ok").Inc()
	if got := testutil.ToFloat64(a.Pushes.WithLabelValues("ok")); got != 1 {
		t.Errorf("a pushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.Pushes.WithLabelValues("ok")); got != 0 {
		t.Errorf("b pushes = %v, want 0", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/papers/{paper}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/papers/7", nil))
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("GET", "/papers/{paper}", "404")); got != 1 {
		t.Errorf("requests{/papers/{paper},404} = %v, want 1", got)
	}

	m.PagesClassified.WithLabelValues("known").Add(3)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `paperscan_pages_classified_total{classification="known"} 3`) {
		t.Error("metrics output missing classified counter")
	}
}
