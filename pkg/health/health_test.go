package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunWorstStatusWins(t *testing.T) {
	down := func(context.Context) error { return errors.New("connection refused") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"empty", nil, StatusUp},
		{"all up", map[string]Check{"a": PingCheck(up, false)}, StatusUp},
		{"optional failure", map[string]Check{"a": PingCheck(up, false), "redis": PingCheck(down, true)}, StatusDegraded},
		{"required failure", map[string]Check{"redis": PingCheck(down, true), "pg": PingCheck(down, false)}, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for name, check := range tt.checks {
				c.Register(name, check)
			}
			report := c.Run(context.Background())
			if report.Status != tt.want {
				t.Errorf("status = %s, want %s", report.Status, tt.want)
			}
			if len(report.Components) != len(tt.checks) {
				t.Errorf("components = %d, want %d", len(report.Components), len(tt.checks))
			}
		})
	}
}

func TestReadyHandlerFollowsFlag(t *testing.T) {
	flag := NewFlag("index building")
	c := NewChecker()
	c.Register("index", flag.Check())

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before ready: code = %d", rec.Code)
	}
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Components["index"].Message != "index building" {
		t.Errorf("message = %q", report.Components["index"].Message)
	}

	flag.Set()
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("after ready: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live code = %d", rec.Code)
	}
}
