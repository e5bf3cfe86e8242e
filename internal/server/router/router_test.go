package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/handler"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/middleware"
)

type stubEngine struct{}

func (stubEngine) Get(context.Context, query.GetParams) (query.Totals, error) {
	return query.Totals{Clicks: 1, Impressions: 2}, nil
}
func (stubEngine) Clicked(context.Context, uint32) ([]query.AdQuery, error) { return nil, nil }
func (stubEngine) Impressed(context.Context, uint32, uint32) ([]query.AdGroup, error) {
	return nil, nil
}
func (stubEngine) Profit(context.Context, uint32, float64) ([]uint32, error) { return nil, nil }

func TestRoutes(t *testing.T) {
	flag := health.NewFlag("index building")
	checker := health.NewChecker()
	checker.Register("index", flag.Check())
	h := handler.New(stubEngine{}, nil, nil, handler.IndexInfo{}, false)
	srv := httptest.NewServer(New(h, checker, Options{Metrics: metrics.NewWithRegistry(prometheus.NewRegistry())}))
	defer srv.Close()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health/live", http.StatusOK},
		{http.MethodGet, "/health/ready", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/v1/get?user=1&ad=1&query=1&position=1&depth=1", http.StatusOK},
		{http.MethodGet, "/api/v1/clicked?user=1", http.StatusOK},
		{http.MethodGet, "/api/v1/impressed?user1=1&user2=2", http.StatusOK},
		{http.MethodGet, "/api/v1/profit?ad=1&ratio=0", http.StatusOK},
		{http.MethodGet, "/api/v1/index/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/cache/stats", http.StatusOK},
		{http.MethodPost, "/api/v1/cache/invalidate", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/v1/clicked?user=1", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if resp.Header.Get(middleware.RequestIDHeader) == "" {
				t.Error("missing request id header")
			}
		})
	}

	flag.Set()
	resp, err := http.Get(srv.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready after flag = %d", resp.StatusCode)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker := health.NewChecker()
	h := handler.New(stubEngine{}, nil, nil, handler.IndexInfo{}, false)
	srv := httptest.NewServer(New(h, checker, Options{
		Limiter:     ratelimit.New(ctx, 1, time.Minute),
		CORSOrigins: []string{"*"},
	}))
	defer srv.Close()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/clicked?user=1", nil)
		req.Header.Set("Origin", "https://dash.example")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
		if resp.Header.Get("Access-Control-Allow-Origin") != "https://dash.example" {
			t.Error("missing CORS header")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	resp, err := http.Get(srv.URL + "/health/live")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live = %d", resp.StatusCode)
	}
}
