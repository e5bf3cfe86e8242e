// Package query answers the analytical questions asked of the click log. Every
// operation resolves the offsets stored under a user id, re-reads and parses
// those lines, and aggregates the resulting records.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/index"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/observe"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/record"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/tracing"
)

const (
	OpGet       = "get"
	OpClicked   = "clicked"
	OpImpressed = "impressed"
	OpProfit    = "profit"
)

// Index is the read side of the user index.
type Index interface {
	Begin() index.Iterator
	EqualRange(key uint32) (first, last index.Iterator)
	UpperBound(key uint32) index.Iterator
}

// LineFetcher returns the raw log line starting at offset. Implementations
// must be safe for concurrent use.
type LineFetcher interface {
	FetchLine(offset int64) (string, error)
}

type Engine struct {
	idx    Index
	lines  LineFetcher
	cfg    config.QueryConfig
	hooks  observe.Hooks
	logger *slog.Logger
}

func NewEngine(idx Index, lines LineFetcher, cfg config.QueryConfig, hooks observe.Hooks) *Engine {
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 1
	}
	if cfg.ProfitWorkers <= 0 {
		cfg.ProfitWorkers = 1
	}
	return &Engine{
		idx:    idx,
		lines:  lines,
		cfg:    cfg,
		hooks:  hooks,
		logger: slog.Default().With("component", "query-engine"),
	}
}

// FetchRecords returns the parsed records of user in index order. Lines that
// fail to parse are reported and skipped; a failed read aborts the fetch.
func (e *Engine) FetchRecords(ctx context.Context, user uint32) ([]record.Record, error) {
	offsets := e.offsets(user)
	if len(offsets) == 0 {
		return nil, nil
	}
	if len(offsets) < e.cfg.ParallelThreshold || e.cfg.FetchWorkers == 1 {
		return e.fetchSequential(offsets)
	}
	return e.fetchParallel(ctx, offsets)
}

func (e *Engine) offsets(user uint32) []int64 {
	var out []int64
	for it, end := e.idx.EqualRange(user); !it.Equal(end); it = it.Next() {
		out = append(out, it.Offset())
	}
	return out
}

func (e *Engine) fetchSequential(offsets []int64) ([]record.Record, error) {
	recs := make([]record.Record, 0, len(offsets))
	for _, off := range offsets {
		rec, ok, err := e.fetchOne(off)
		if err != nil {
			return nil, err
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	e.hooks.Fetch(len(recs))
	return recs, nil
}

// fetchParallel splits offsets into contiguous chunks, one per worker. Each
// worker writes only its own slots, so no locking is needed and the output
// keeps index order.
func (e *Engine) fetchParallel(ctx context.Context, offsets []int64) ([]record.Record, error) {
	slots := make([]record.Record, len(offsets))
	valid := make([]bool, len(offsets))

	workers := min(e.cfg.FetchWorkers, len(offsets))
	chunk := (len(offsets) + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(offsets); lo += chunk {
		hi := min(lo+chunk, len(offsets))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				rec, ok, err := e.fetchOne(offsets[i])
				if err != nil {
					return err
				}
				slots[i], valid[i] = rec, ok
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	recs := slots[:0]
	for i := range slots {
		if valid[i] {
			recs = append(recs, slots[i])
		}
	}
	e.hooks.Fetch(len(recs))
	return recs, nil
}

// fetchOne reads and parses one line. ok is false when the line is malformed.
func (e *Engine) fetchOne(offset int64) (record.Record, bool, error) {
	line, err := e.lines.FetchLine(offset)
	if err != nil {
		return record.Record{}, false, fmt.Errorf("%w: fetching record at offset %d: %w", apperrors.ErrIO, offset, err)
	}
	rec, err := record.Parse(line, offset)
	if err != nil {
		if errors.Is(err, record.ErrMalformedRecord) {
			e.hooks.Malformed(offset, err)
			return record.Record{}, false, nil
		}
		return record.Record{}, false, fmt.Errorf("%w: %w", apperrors.ErrParse, err)
	}
	return rec, true, nil
}

// observe opens a child span for op and returns the function that closes it
// and reports the outcome.
func (e *Engine) observe(ctx context.Context, op string) (context.Context, func(results int, err error)) {
	ctx, span := tracing.StartChildSpan(ctx, "query."+op)
	start := time.Now()
	return ctx, func(results int, err error) {
		span.SetAttr("results", results)
		if err != nil {
			span.SetAttr("error", err.Error())
			e.logger.Error("query failed", "op", op, "error", err)
		}
		span.End()
		e.hooks.Query(op, results, time.Since(start), err)
	}
}
