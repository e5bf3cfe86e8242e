package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/errors"
)

const alignProbe = 4096

type entry struct {
	key    uint32
	offset int64
}

type partition struct {
	start, end int64
	entries    []entry
	res        scanResult
}

// buildPartitioned extracts (key, offset) pairs from line-aligned byte ranges
// in parallel and then inserts them in file order on the calling goroutine,
// so the tree matches what Build produces for the same input.
func (b *Builder) buildPartitioned(ctx context.Context, f io.ReaderAt, size int64) (*index.Tree, Stats, error) {
	start := time.Now()
	bounds, err := lineAlignedBounds(f, size, b.cfg.BuildWorkers)
	if err != nil {
		return nil, Stats{}, err
	}

	parts := make([]*partition, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		if bounds[i] < bounds[i+1] {
			parts = append(parts, &partition{start: bounds[i], end: bounds[i+1]})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		g.Go(func() error {
			r := io.NewSectionReader(f, p.start, p.end-p.start)
			res, err := b.scan(gctx, r, p.start, func(key uint32, offset int64) {
				p.entries = append(p.entries, entry{key: key, offset: offset})
			})
			p.res = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}
	b.logger.Debug("partitions scanned", "partitions", len(parts), "elapsed", time.Since(start))

	tree := b.newTree()
	var stats Stats
	var linesBefore int64
	for _, p := range parts {
		stats.BlankLines += p.res.blank
		stats.Bytes += p.res.bytes
		if p.res.parseErr != nil {
			perr := *p.res.parseErr
			perr.Line += linesBefore
			return nil, stats, &perr
		}
		for _, e := range p.entries {
			b.insert(tree, e.key, e.offset, &stats)
		}
		linesBefore += p.res.lines
		p.entries = nil
	}
	return tree, b.finish(tree, &stats, start), nil
}

// lineAlignedBounds cuts [0, size) into at most n ranges. Every boundary is
// either 0, size, or the first line start at or after the nominal cut point,
// so no line straddles two ranges. Boundaries are non-decreasing.
func lineAlignedBounds(f io.ReaderAt, size int64, n int) ([]int64, error) {
	if n < 1 {
		n = 1
	}
	bounds := make([]int64, n+1)
	bounds[n] = size
	buf := make([]byte, alignProbe)
	for i := 1; i < n; i++ {
		cut := size * int64(i) / int64(n)
		if cut < bounds[i-1] {
			cut = bounds[i-1]
		}
		aligned, err := nextLineStart(f, size, cut, buf)
		if err != nil {
			return nil, err
		}
		bounds[i] = aligned
	}
	return bounds, nil
}

// nextLineStart returns the smallest offset >= at that begins a line, or size
// when no line starts in [at, size).
func nextLineStart(f io.ReaderAt, size, at int64, buf []byte) (int64, error) {
	if at <= 0 {
		return 0, nil
	}
	// A line starts at `at` exactly when the byte before it is a newline.
	pos := at - 1
	for pos < size {
		n, err := f.ReadAt(buf, pos)
		if n > 0 {
			if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
				return pos + int64(i) + 1, nil
			}
			pos += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: aligning partition at %d: %w", apperrors.ErrIO, at, err)
		}
	}
	return size, nil
}
