package observe

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
)

func TestZeroHooksAreSafe(t *testing.T) {
	var h Hooks
	h.Progress(1)
	h.BuildDone(1, 1, time.Second)
	h.Fetch(1)
	h.Malformed(0, errors.New("bad"))
	h.Query("get", 1, time.Millisecond, nil)
}

func TestFromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := FromMetrics(metrics.NewWithRegistry(reg), logger.Discard())

	h.Progress(10)
	h.BuildDone(20, 4, 2*time.Second)
	h.Fetch(5)
	h.Fetch(7)
	h.Malformed(3, errors.New("bad"))
	h.Query("profit", 2, time.Millisecond, nil)
	h.Query("profit", 0, time.Millisecond, errors.New("io"))

	values := gather(t, reg)
	checks := map[string]float64{
		"adlog_lines_indexed":                         20,
		"adlog_index_distinct_keys":                   4,
		"adlog_records_fetched_total":                 12,
		"adlog_malformed_records_total":               1,
		"adlog_queries_total{op=profit,status=ok}":    1,
		"adlog_queries_total{op=profit,status=error}": 1,
	}
	for name, want := range checks {
		if got := values[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}

	if got := FromMetrics(nil, nil); got.OnQuery == nil {
		t.Error("hooks without metrics should still log")
	}
}

// gather flattens counters and gauges into name{label=value,...} keys.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				key += "{"
				for i, lp := range labels {
					if i > 0 {
						key += ","
					}
					key += lp.GetName() + "=" + lp.GetValue()
				}
				key += "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}
