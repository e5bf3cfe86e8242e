// Package router wires the query API routes and applies the middleware
// chain.
package router

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/handler"
	srvmw "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/middleware"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/middleware"
)

// Options configures the optional middleware stages.
type Options struct {
	Metrics     *metrics.Metrics
	Timeout     time.Duration
	Limiter     *ratelimit.Limiter
	CORSOrigins []string
}

// New builds the HTTP handler for the query server.
//
// Route table:
//
//	GET    /api/v1/get               → totals for an exact combination
//	GET    /api/v1/clicked           → clicked (ad, query) pairs
//	GET    /api/v1/impressed         → ads both users saw
//	GET    /api/v1/profit            → users at or above a CTR threshold
//	GET    /api/v1/index/stats       → build statistics
//	GET    /api/v1/cache/stats       → cache counters
//	POST   /api/v1/cache/invalidate  → drop cached answers
//	GET    /health/live              → liveness
//	GET    /health/ready             → readiness
//
// Middleware chain (outermost first): RequestID → CORS → Metrics → RateLimit →
// Timeout. Each optional stage is skipped when its Options field is zero.
func New(h *handler.Handler, checker *health.Checker, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("GET /api/v1/get", h.Get)
	mux.HandleFunc("GET /api/v1/clicked", h.Clicked)
	mux.HandleFunc("GET /api/v1/impressed", h.Impressed)
	mux.HandleFunc("GET /api/v1/profit", h.Profit)
	mux.HandleFunc("GET /api/v1/index/stats", h.IndexStats)

	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)

	mws := []func(http.Handler) http.Handler{middleware.RequestID}
	if len(opts.CORSOrigins) > 0 {
		mws = append(mws, srvmw.CORS(srvmw.DefaultCORSConfig(opts.CORSOrigins)))
	}
	if opts.Metrics != nil {
		mws = append(mws, middleware.Metrics(opts.Metrics))
	}
	if opts.Limiter != nil {
		mws = append(mws, srvmw.RateLimit(opts.Limiter))
	}
	mws = append(mws, middleware.Timeout(opts.Timeout))
	return middleware.Chain(mux, mws...)
}
