// Package api exposes the ledger over HTTP for sibling services.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Options configures the router.
type Options struct {
	// CronSecret guards the sweep endpoints. Empty leaves them open.
	CronSecret string
	// AllowedOrigins enables CORS for browser callers when non-empty.
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Timeout bounds each request; zero means 30s.
	Timeout time.Duration
}

// NewRouter registers the ledger routes on a new chi router.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/", h.handleGetAccount)
		r.Put("/", h.handleOpenAccount)
		r.Post("/charges", h.handleCharge)
		r.Post("/grants", h.handleGrant)
		r.Post("/redemptions", h.handleRedeem)
		r.Get("/redemptions", h.handleListRedemptions)
		r.Get("/usage", h.handleUsage)
	})

	r.Route("/cron", func(r chi.Router) {
		r.Use(BearerAuth(opts.CronSecret))
		r.Post("/credit-refresh", h.handleRefreshSweep)
		r.Post("/expire-codes", h.handleExpireCodes)
		r.Post("/check-low-credits", h.handleLowCredits)
		r.Post("/purge-usage", h.handlePurgeUsage)
	})

	return r
}
