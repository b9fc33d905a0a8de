package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics_CountsByRoutePattern(t *testing.T) {
	const service = "travelcart-metrics-test"

	r := chi.NewRouter()
	r.Use(PrometheusMetrics(service))
	r.Delete("/api/v1/cart/items/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/v1/cart", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/v1/cart/items/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(
		httpRequestsTotal.WithLabelValues(service, http.MethodDelete, "/api/v1/cart/items/{itemID}", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		httpRequestsTotal.WithLabelValues(service, http.MethodGet, "/api/v1/cart", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(httpRequestsInFlight.WithLabelValues(service)))
}
