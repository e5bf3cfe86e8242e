// Package indexer scans the impression/click log once and builds the user
// index: one (user id, line offset) entry per non-blank line, inserted in
// file order.
package indexer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/index"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/observe"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/record"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/errors"
)

const (
	defaultReadBuffer = 64 << 10
	ctxCheckEvery     = 4096
)

// ParseError reports the first line whose user id could not be extracted.
// Line is 1-based and counts blank lines.
type ParseError struct {
	Line   int64
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d (offset %d): %v", e.Line, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{apperrors.ErrParse, e.Err}
}

// Stats summarizes a finished build.
type Stats struct {
	Lines        int64         `json:"lines"`
	BlankLines   int64         `json:"blank_lines"`
	Bytes        int64         `json:"bytes"`
	DistinctKeys int           `json:"distinct_keys"`
	Height       int           `json:"height"`
	Elapsed      time.Duration `json:"elapsed"`
}

type Builder struct {
	cfg    config.IndexConfig
	hooks  observe.Hooks
	logger *slog.Logger
}

func NewBuilder(cfg config.IndexConfig, hooks observe.Hooks) *Builder {
	return &Builder{
		cfg:    cfg,
		hooks:  hooks,
		logger: slog.Default().With("component", "indexer"),
	}
}

// Build indexes everything readable from r in a single forward pass. The
// offset of each line is the number of bytes consumed before it.
func (b *Builder) Build(ctx context.Context, r io.Reader) (*index.Tree, Stats, error) {
	start := time.Now()
	tree := b.newTree()
	var stats Stats

	res, err := b.scan(ctx, r, 0, func(key uint32, offset int64) {
		b.insert(tree, key, offset, &stats)
	})
	stats.BlankLines = res.blank
	stats.Bytes = res.bytes
	if err != nil {
		return nil, stats, err
	}
	if res.parseErr != nil {
		return nil, stats, res.parseErr
	}
	return tree, b.finish(tree, &stats, start), nil
}

// BuildFile opens path and indexes it, splitting the scan across
// cfg.BuildWorkers when more than one is configured.
func (b *Builder) BuildFile(ctx context.Context, path string) (*index.Tree, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("%w: opening log: %w", apperrors.ErrIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, Stats{}, fmt.Errorf("%w: stat log: %w", apperrors.ErrIO, err)
	}
	if info.IsDir() {
		return nil, Stats{}, fmt.Errorf("%w: %s is a directory", apperrors.ErrIO, path)
	}

	b.logger.Info("building index",
		"path", path,
		"size", info.Size(),
		"workers", b.cfg.BuildWorkers,
		"leaf_slots", b.cfg.LeafSlots,
		"inner_slots", b.cfg.InnerSlots,
	)
	if b.cfg.BuildWorkers <= 1 {
		return b.Build(ctx, f)
	}
	return b.buildPartitioned(ctx, f, info.Size())
}

func (b *Builder) newTree() *index.Tree {
	return index.New(index.Options{
		LeafSlots:  b.cfg.LeafSlots,
		InnerSlots: b.cfg.InnerSlots,
	})
}

func (b *Builder) insert(tree *index.Tree, key uint32, offset int64, stats *Stats) {
	tree.Insert(key, offset)
	stats.Lines++
	if b.cfg.ProgressEvery > 0 && stats.Lines%b.cfg.ProgressEvery == 0 {
		b.hooks.Progress(stats.Lines)
	}
}

func (b *Builder) finish(tree *index.Tree, stats *Stats, start time.Time) Stats {
	stats.DistinctKeys = tree.DistinctKeys()
	stats.Height = tree.Height()
	stats.Elapsed = time.Since(start)
	b.hooks.BuildDone(stats.Lines, stats.DistinctKeys, stats.Elapsed)
	return *stats
}

// scanResult is what one pass over a byte range produced. lines counts every
// physical line read, blank ones included, up to and including a failing one.
type scanResult struct {
	lines    int64
	blank    int64
	bytes    int64
	parseErr *ParseError
}

// scan reads lines from r, whose first byte sits at base in the file, and
// calls emit for each non-blank line. A malformed line stops the scan and is
// returned in scanResult.parseErr with a Line relative to r; the error return
// is reserved for I/O failures and cancellation.
func (b *Builder) scan(ctx context.Context, r io.Reader, base int64, emit func(key uint32, offset int64)) (scanResult, error) {
	size := b.cfg.ReadBufferSize
	if size <= 0 {
		size = defaultReadBuffer
	}
	br := bufio.NewReaderSize(r, size)

	var res scanResult
	var buf []byte
	pos := base
	for {
		if res.lines%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		line, err := readLine(br, buf[:0])
		buf = line
		if len(line) > 0 {
			res.lines++
			offset := pos
			pos += int64(len(line))
			res.bytes += int64(len(line))

			if isBlank(line) {
				res.blank++
			} else {
				key, perr := record.ParseUserID(string(line))
				if perr != nil {
					res.parseErr = &ParseError{Line: res.lines, Offset: offset, Err: perr}
					return res, nil
				}
				emit(key, offset)
			}
		}
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("%w: reading log at offset %d: %w", apperrors.ErrIO, pos, err)
		}
	}
}

// readLine appends the next line, terminator included, to buf. Lines longer
// than the reader's buffer are assembled from several slices.
func readLine(br *bufio.Reader, buf []byte) ([]byte, error) {
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return buf, err
		}
	}
}

func isBlank(line []byte) bool {
	for _, c := range line {
		if c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}
