package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/runs/{run_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/scrape", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	conflict := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/scrape", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")) - ok; got != 1 {
		t.Errorf("expected one GET 200, got %f", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409")) - conflict; got != 1 {
		t.Errorf("expected one POST 409, got %f", got)
	}
	if n := testutil.CollectAndCount(httpRequestDurationSeconds); n <= 0 {
		t.Errorf("expected request durations observed, got %d", n)
	}
}
