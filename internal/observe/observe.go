// Package observe carries the optional instrumentation callbacks that the
// index builder and the query engine report to. A zero Hooks value is valid
// and does nothing.
package observe

import (
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
)

// Hooks is a set of optional callbacks. Every field may be nil.
type Hooks struct {
	OnProgress  func(lines int64)
	OnBuildDone func(lines int64, distinctKeys int, elapsed time.Duration)
	OnFetch     func(records int)
	OnMalformed func(offset int64, err error)
	OnQuery     func(op string, results int, elapsed time.Duration, err error)
}

func (h Hooks) Progress(lines int64) {
	if h.OnProgress != nil {
		h.OnProgress(lines)
	}
}

func (h Hooks) BuildDone(lines int64, distinctKeys int, elapsed time.Duration) {
	if h.OnBuildDone != nil {
		h.OnBuildDone(lines, distinctKeys, elapsed)
	}
}

func (h Hooks) Fetch(records int) {
	if h.OnFetch != nil {
		h.OnFetch(records)
	}
}

func (h Hooks) Malformed(offset int64, err error) {
	if h.OnMalformed != nil {
		h.OnMalformed(offset, err)
	}
}

func (h Hooks) Query(op string, results int, elapsed time.Duration, err error) {
	if h.OnQuery != nil {
		h.OnQuery(op, results, elapsed, err)
	}
}

// FromMetrics binds the hooks to Prometheus collectors and to logger. Either
// argument may be nil.
func FromMetrics(m *metrics.Metrics, logger *slog.Logger) Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "observe")
	return Hooks{
		OnProgress: func(lines int64) {
			logger.Info("indexing progress", "lines", lines)
			if m != nil {
				m.LinesIndexedTotal.Set(float64(lines))
			}
		},
		OnBuildDone: func(lines int64, distinctKeys int, elapsed time.Duration) {
			logger.Info("index build complete",
				"lines", lines,
				"distinct_keys", distinctKeys,
				"elapsed", elapsed,
			)
			if m != nil {
				m.LinesIndexedTotal.Set(float64(lines))
				m.IndexDistinctKeys.Set(float64(distinctKeys))
				m.IndexBuildDuration.Observe(elapsed.Seconds())
			}
		},
		OnFetch: func(records int) {
			if m != nil {
				m.RecordsFetchedTotal.Add(float64(records))
			}
		},
		OnMalformed: func(offset int64, err error) {
			logger.Warn("skipping malformed record", "offset", offset, "error", err)
			if m != nil {
				m.MalformedRecordsTotal.Inc()
			}
		},
		OnQuery: func(op string, results int, elapsed time.Duration, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			logger.Debug("query finished",
				"op", op,
				"results", results,
				"elapsed", elapsed,
				"status", status,
			)
			if m != nil {
				m.QueriesTotal.WithLabelValues(op, status).Inc()
				m.QueryLatency.WithLabelValues(op).Observe(elapsed.Seconds())
				if err == nil {
					m.QueryResultsCount.WithLabelValues(op).Observe(float64(results))
				}
			}
		},
	}
}
