// Package handler serves the query engine over HTTP. Every query request is
// traced, answered through the Redis cache when one is configured, and
// reported to the analytics tracker.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/tracing"
)

// Engine is the query surface the handler serves; *query.Engine satisfies it.
type Engine interface {
	Get(ctx context.Context, p query.GetParams) (query.Totals, error)
	Clicked(ctx context.Context, user uint32) ([]query.AdQuery, error)
	Impressed(ctx context.Context, a, b uint32) ([]query.AdGroup, error)
	Profit(ctx context.Context, ad uint32, threshold float64) ([]uint32, error)
}

// IndexInfo describes the loaded index for /api/v1/index/stats.
type IndexInfo struct {
	Path         string  `json:"path"`
	Fingerprint  string  `json:"fingerprint"`
	Lines        int64   `json:"lines"`
	BlankLines   int64   `json:"blank_lines"`
	Bytes        int64   `json:"bytes"`
	DistinctKeys int     `json:"distinct_keys"`
	Height       int     `json:"height"`
	BuildMs      float64 `json:"build_ms"`
}

type Handler struct {
	engine   Engine
	cache    *cache.QueryCache
	tracker  analytics.Tracker
	info     IndexInfo
	traceLog bool
	logger   *slog.Logger
}

// New builds a handler. queryCache may be nil to disable caching and tracker
// may be nil to disable analytics. With traceLog set every request's span
// tree is logged at debug.
func New(engine Engine, queryCache *cache.QueryCache, tracker analytics.Tracker, info IndexInfo, traceLog bool) *Handler {
	if tracker == nil {
		tracker = analytics.Discard{}
	}
	return &Handler{
		engine:   engine,
		cache:    queryCache,
		tracker:  tracker,
		info:     info,
		traceLog: traceLog,
		logger:   slog.Default().With("component", "query-handler"),
	}
}

// Response wraps every query answer.
type Response struct {
	Op        string  `json:"op"`
	Result    any     `json:"result"`
	Count     int     `json:"count"`
	CacheHit  bool    `json:"cache_hit"`
	LatencyMs float64 `json:"latency_ms"`
}

// call describes one query request: its cache identity, the users and ad it
// concerns for analytics, and how to compute and count its answer.
type call[T any] struct {
	op      string
	args    any
	users   []uint32
	ad      uint32
	compute func(ctx context.Context) (T, error)
	count   func(T) int
}

func serve[T any](h *Handler, w http.ResponseWriter, r *http.Request, c call[T]) {
	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), "http."+c.op, logger.RequestID(r.Context()))
	log := logger.FromContext(ctx)
	defer func() {
		span.End()
		if h.traceLog {
			span.Log(log)
		}
	}()

	var (
		result T
		hit    bool
		err    error
	)
	compute := func() (T, error) { return c.compute(ctx) }
	if h.cache != nil {
		result, hit, err = cache.GetOrCompute(ctx, h.cache, c.op, c.args, compute)
	} else {
		result, err = compute()
	}
	latencyMs := float64(time.Since(start).Microseconds()) / 1000

	event := analytics.QueryEvent{
		Type:      analytics.EventQuery,
		Op:        c.op,
		Users:     c.users,
		Ad:        c.ad,
		LatencyMs: latencyMs,
		CacheHit:  hit,
		RequestID: logger.RequestID(ctx),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
		h.tracker.Track(event)
		log.Error("query failed", "op", c.op, "args", fmt.Sprintf("%+v", c.args), "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), c.op+" failed")
		return
	}

	count := c.count(result)
	event.Results = count
	h.tracker.Track(event)
	span.SetAttr("cache_hit", hit)
	log.Debug("query answered", "op", c.op, "results", count, "cache_hit", hit, "latency_ms", latencyMs)

	h.writeJSON(w, http.StatusOK, Response{
		Op:        c.op,
		Result:    result,
		Count:     count,
		CacheHit:  hit,
		LatencyMs: latencyMs,
	})
}

// Get handles GET /api/v1/get?user=&ad=&query=&position=&depth=.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	var p query.GetParams
	params := newParams(r)
	p.User = params.uint32("user")
	p.Ad = params.uint32("ad")
	p.Query = params.uint32("query")
	p.Position = params.uint8("position")
	p.Depth = params.uint8("depth")
	if params.err != nil {
		h.writeAppError(w, params.err)
		return
	}
	serve(h, w, r, call[query.Totals]{
		op:      query.OpGet,
		args:    p,
		users:   []uint32{p.User},
		ad:      p.Ad,
		compute: func(ctx context.Context) (query.Totals, error) { return h.engine.Get(ctx, p) },
		count: func(t query.Totals) int {
			if t.Clicks == 0 && t.Impressions == 0 {
				return 0
			}
			return 1
		},
	})
}

// Clicked handles GET /api/v1/clicked?user=.
func (h *Handler) Clicked(w http.ResponseWriter, r *http.Request) {
	params := newParams(r)
	user := params.uint32("user")
	if params.err != nil {
		h.writeAppError(w, params.err)
		return
	}
	serve(h, w, r, call[[]query.AdQuery]{
		op:    query.OpClicked,
		args:  user,
		users: []uint32{user},
		compute: func(ctx context.Context) ([]query.AdQuery, error) {
			pairs, err := h.engine.Clicked(ctx, user)
			if pairs == nil && err == nil {
				pairs = []query.AdQuery{}
			}
			return pairs, err
		},
		count: func(pairs []query.AdQuery) int { return len(pairs) },
	})
}

// Impressed handles GET /api/v1/impressed?user1=&user2=.
func (h *Handler) Impressed(w http.ResponseWriter, r *http.Request) {
	params := newParams(r)
	a := params.uint32("user1")
	b := params.uint32("user2")
	if params.err != nil {
		h.writeAppError(w, params.err)
		return
	}
	serve(h, w, r, call[[]query.AdGroup]{
		op:    query.OpImpressed,
		args:  [2]uint32{a, b},
		users: []uint32{a, b},
		compute: func(ctx context.Context) ([]query.AdGroup, error) {
			groups, err := h.engine.Impressed(ctx, a, b)
			if groups == nil && err == nil {
				groups = []query.AdGroup{}
			}
			return groups, err
		},
		count: func(groups []query.AdGroup) int { return len(groups) },
	})
}

// Profit handles GET /api/v1/profit?ad=&ratio=.
func (h *Handler) Profit(w http.ResponseWriter, r *http.Request) {
	params := newParams(r)
	ad := params.uint32("ad")
	ratio := params.ratio("ratio")
	if params.err != nil {
		h.writeAppError(w, params.err)
		return
	}
	args := struct {
		Ad    uint32
		Ratio float64
	}{ad, ratio}
	serve(h, w, r, call[[]uint32]{
		op:   query.OpProfit,
		args: args,
		ad:   ad,
		compute: func(ctx context.Context) ([]uint32, error) {
			users, err := h.engine.Profit(ctx, ad, ratio)
			if users == nil && err == nil {
				users = []uint32{}
			}
			return users, err
		},
		count: func(users []uint32) int { return len(users) },
	})
}

func (h *Handler) IndexStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.info)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	stats := h.cache.Stats()
	total := stats.Hits + stats.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
		"breaker":  stats.Breaker,
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	deleted, err := h.cache.Invalidate(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
}

// params reads required numeric query parameters, keeping the first error.
type params struct {
	r   *http.Request
	err error
}

func newParams(r *http.Request) *params {
	return &params{r: r}
}

func (p *params) unsigned(name string, bits int) uint64 {
	if p.err != nil {
		return 0
	}
	raw := p.r.URL.Query().Get(name)
	if raw == "" {
		p.err = apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "query parameter %q is required", name)
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		p.err = apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "query parameter %q must be an unsigned %d-bit integer", name, bits)
		return 0
	}
	return v
}

func (p *params) uint32(name string) uint32 { return uint32(p.unsigned(name, 32)) }
func (p *params) uint8(name string) uint8   { return uint8(p.unsigned(name, 8)) }

func (p *params) ratio(name string) float64 {
	if p.err != nil {
		return 0
	}
	raw := p.r.URL.Query().Get(name)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || math.IsNaN(v) {
		p.err = apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "query parameter %q must be a non-negative number", name)
		return 0
	}
	return v
}
