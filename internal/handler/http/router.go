package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/service"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/health"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/middleware"
)

// NewRouter creates a chi router with all cart service routes registered.
func NewRouter(
	engine *service.Engine,
	merger *service.MergeCoordinator,
	healthHandler *health.Handler,
	logger *slog.Logger,
	pprofCIDRs []string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("travelcart"))
	r.Use(middleware.Tracing("travelcart"))
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, pprofCIDRs, logger)

	cartHandler := NewCartHandler(engine, merger, logger)

	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Use(CORS)
		r.Use(ContentTypeJSON)
		r.Use(IdentityFromHeaders)
		mountCartRoutes(r, cartHandler)
	})

	return r
}

func mountCartRoutes(r chi.Router, h *CartHandler) {
	r.Get("/", h.GetCart)
	r.Delete("/", h.ClearCart)
	r.Get("/summary", h.Summary)
	r.Post("/merge", h.Merge)
	r.Post("/checkout", h.Checkout)

	r.Post("/items", h.AddItem)
	r.Patch("/items/{itemId}", h.UpdateItem)
	r.Delete("/items/{itemId}", h.RemoveItem)
}
