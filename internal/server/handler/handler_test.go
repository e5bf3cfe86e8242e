package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query/cache"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/record"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/errors"
	pkgredis "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/redis"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls map[string]int
	fail  error
}

func (f *fakeEngine) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	return f.fail
}

func (f *fakeEngine) Get(_ context.Context, p query.GetParams) (query.Totals, error) {
	if err := f.hit(query.OpGet); err != nil {
		return query.Totals{}, err
	}
	return query.Totals{Clicks: uint64(p.Position), Impressions: uint64(p.Depth) * 10}, nil
}

func (f *fakeEngine) Clicked(_ context.Context, user uint32) ([]query.AdQuery, error) {
	if err := f.hit(query.OpClicked); err != nil {
		return nil, err
	}
	if user == 0 {
		return nil, nil
	}
	return []query.AdQuery{{Ad: 1, Query: user}, {Ad: 2, Query: user}}, nil
}

func (f *fakeEngine) Impressed(_ context.Context, a, b uint32) ([]query.AdGroup, error) {
	if err := f.hit(query.OpImpressed); err != nil {
		return nil, err
	}
	return []query.AdGroup{{Ad: 3, Records: []record.Record{{AdID: 3, UserID: a}}}}, nil
}

func (f *fakeEngine) Profit(_ context.Context, ad uint32, threshold float64) ([]uint32, error) {
	if err := f.hit(query.OpProfit); err != nil {
		return nil, err
	}
	if threshold > 0.5 {
		return nil, nil
	}
	return []uint32{ad, ad + 1}, nil
}

type recordingTracker struct {
	mu     sync.Mutex
	events []analytics.QueryEvent
}

func (r *recordingTracker) Track(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := event.(analytics.QueryEvent); ok {
		r.events = append(r.events, e)
	}
}

type memBackend struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", pkgredis.ErrNil
	}
	return v, nil
}

func (m *memBackend) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := value.([]byte); ok {
		m.data[key] = string(b)
	}
	return nil
}

func (m *memBackend) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.data))
	m.data = make(map[string]string)
	return n, nil
}

func do(t *testing.T, fn http.HandlerFunc, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	fn(rec, httptest.NewRequest(method, target, nil))
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("%s %s: decoding body: %v", method, target, err)
	}
	return rec, body
}

func TestQueryEndpoints(t *testing.T) {
	h := New(&fakeEngine{}, nil, nil, IndexInfo{}, false)

	tests := []struct {
		name   string
		fn     http.HandlerFunc
		target string
		count  float64
		result string
	}{
		{"get", h.Get, "/api/v1/get?user=1&ad=2&query=3&position=4&depth=5", 1, `{"clicks":4,"impressions":50}`},
		{"clicked", h.Clicked, "/api/v1/clicked?user=9", 2, `[{"ad":1,"query":9},{"ad":2,"query":9}]`},
		{"clicked empty", h.Clicked, "/api/v1/clicked?user=0", 0, `[]`},
		{"impressed", h.Impressed, "/api/v1/impressed?user1=4&user2=5", 1, ""},
		{"profit", h.Profit, "/api/v1/profit?ad=10&ratio=0.25", 2, `[10,11]`},
		{"profit empty", h.Profit, "/api/v1/profit?ad=10&ratio=0.75", 0, `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, tt.fn, http.MethodGet, tt.target)
			if rec.Code != http.StatusOK {
				t.Fatalf("code = %d body = %v", rec.Code, body)
			}
			if body["count"] != tt.count {
				t.Errorf("count = %v, want %v", body["count"], tt.count)
			}
			if tt.result != "" {
				raw, _ := json.Marshal(body["result"])
				if string(raw) != tt.result {
					t.Errorf("result = %s, want %s", raw, tt.result)
				}
			}
		})
	}
}

func TestBadParameters(t *testing.T) {
	h := New(&fakeEngine{}, nil, nil, IndexInfo{}, false)
	tests := []struct {
		name   string
		fn     http.HandlerFunc
		target string
	}{
		{"missing user", h.Clicked, "/api/v1/clicked"},
		{"negative user", h.Clicked, "/api/v1/clicked?user=-1"},
		{"user overflows", h.Clicked, "/api/v1/clicked?user=4294967296"},
		{"position overflows", h.Get, "/api/v1/get?user=1&ad=2&query=3&position=256&depth=1"},
		{"missing second user", h.Impressed, "/api/v1/impressed?user1=1"},
		{"negative ratio", h.Profit, "/api/v1/profit?ad=1&ratio=-0.5"},
		{"nan ratio", h.Profit, "/api/v1/profit?ad=1&ratio=NaN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, tt.fn, http.MethodGet, tt.target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400", rec.Code)
			}
			if msg, _ := body["error"].(string); !strings.Contains(msg, "query parameter") {
				t.Errorf("error = %q", msg)
			}
		})
	}
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	tracker := &recordingTracker{}
	eng := &fakeEngine{fail: fmt.Errorf("%w: disk gone", apperrors.ErrIO)}
	h := New(eng, nil, tracker, IndexInfo{}, false)

	rec, _ := do(t, h.Clicked, http.MethodGet, "/api/v1/clicked?user=3")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("io error code = %d", rec.Code)
	}
	eng.fail = fmt.Errorf("%w: bad line", apperrors.ErrParse)
	rec, _ = do(t, h.Clicked, http.MethodGet, "/api/v1/clicked?user=3")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("parse error code = %d", rec.Code)
	}
	if len(tracker.events) != 2 || tracker.events[0].Error == "" || tracker.events[0].Op != query.OpClicked {
		t.Errorf("events = %+v", tracker.events)
	}
}

func TestCachedAnswersSkipEngine(t *testing.T) {
	eng := &fakeEngine{}
	tracker := &recordingTracker{}
	qc := cache.New(&memBackend{data: make(map[string]string)}, config.RedisConfig{CacheTTL: time.Minute}, "log-v1", nil)
	h := New(eng, qc, tracker, IndexInfo{}, false)

	for i := 0; i < 3; i++ {
		rec, body := do(t, h.Profit, http.MethodGet, "/api/v1/profit?ad=7&ratio=0.1")
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
		if hit := body["cache_hit"].(bool); hit != (i > 0) {
			t.Errorf("request %d cache_hit = %v", i, hit)
		}
	}
	if eng.calls[query.OpProfit] != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls[query.OpProfit])
	}
	if len(tracker.events) != 3 || !tracker.events[2].CacheHit || tracker.events[2].Ad != 7 {
		t.Errorf("events = %+v", tracker.events)
	}

	rec, body := do(t, h.CacheStats, http.MethodGet, "/api/v1/cache/stats")
	if rec.Code != http.StatusOK || body["hits"] != float64(2) {
		t.Errorf("stats = %v", body)
	}
	rec, body = do(t, h.CacheInvalidate, http.MethodPost, "/api/v1/cache/invalidate")
	if rec.Code != http.StatusOK || body["keys_deleted"] != float64(1) {
		t.Errorf("invalidate = %d %v", rec.Code, body)
	}
	do(t, h.Profit, http.MethodGet, "/api/v1/profit?ad=7&ratio=0.1")
	if eng.calls[query.OpProfit] != 2 {
		t.Errorf("engine calls after invalidate = %d, want 2", eng.calls[query.OpProfit])
	}
}

func TestCacheDisabled(t *testing.T) {
	h := New(&fakeEngine{}, nil, nil, IndexInfo{Path: "clicks.tsv", Lines: 12}, false)

	_, body := do(t, h.CacheStats, http.MethodGet, "/api/v1/cache/stats")
	if body["status"] != "disabled" {
		t.Errorf("stats = %v", body)
	}
	rec, _ := do(t, h.CacheInvalidate, http.MethodPost, "/api/v1/cache/invalidate")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("invalidate code = %d", rec.Code)
	}
	_, body = do(t, h.IndexStats, http.MethodGet, "/api/v1/index/stats")
	if body["path"] != "clicks.tsv" || body["lines"] != float64(12) {
		t.Errorf("index stats = %v", body)
	}
}
