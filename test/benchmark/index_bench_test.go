// Package benchmark contains Go benchmarks for the user index, the log
// builder and the query pipeline, measuring throughput and allocation
// behaviour.
package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/index"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/observe"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/store"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
)

const (
	benchLines = 100_000
	benchUsers = 5_000
	benchAds   = 200
)

var sink atomic.Int64

// writeLog generates a deterministic log of benchLines records and returns
// its path.
func writeLog(b *testing.B) string {
	b.Helper()
	r := rand.New(rand.NewPCG(1, 2))
	var buf bytes.Buffer
	for i := 0; i < benchLines; i++ {
		impressions := 1 + r.IntN(5)
		fmt.Fprintf(&buf, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.IntN(impressions+1), impressions, r.Uint64(), r.IntN(benchAds), r.IntN(100),
			1+r.IntN(3), 1+r.IntN(3), r.IntN(1000), r.IntN(1000), r.IntN(1000), r.IntN(1000),
			r.IntN(benchUsers))
	}
	path := filepath.Join(b.TempDir(), "bench.tsv")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		b.Fatal(err)
	}
	return path
}

func newEngine(b *testing.B) *query.Engine {
	b.Helper()
	path := writeLog(b)
	tree, _, err := indexer.NewBuilder(config.Default().Index, observe.Hooks{}).BuildFile(context.Background(), path)
	if err != nil {
		b.Fatal(err)
	}
	st, err := store.Open(path)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { st.Close() })
	return query.NewEngine(tree, st, config.Default().Query, observe.Hooks{})
}

func BenchmarkTreeInsert(b *testing.B) {
	for _, slots := range []int{4, 32, 128} {
		b.Run(fmt.Sprintf("slots=%d", slots), func(b *testing.B) {
			r := rand.New(rand.NewPCG(3, 4))
			tree := index.New(index.Options{LeafSlots: slots, InnerSlots: slots})
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				tree.Insert(r.Uint32N(benchUsers), int64(i))
			}
		})
	}
}

func BenchmarkTreeEqualRange(b *testing.B) {
	r := rand.New(rand.NewPCG(5, 6))
	tree := index.New(index.Options{LeafSlots: 128, InnerSlots: 128})
	for i := 0; i < benchLines; i++ {
		tree.Insert(r.Uint32N(benchUsers), int64(i))
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var key uint32
		var sum int64
		for pb.Next() {
			for it, end := tree.EqualRange(key % benchUsers); !it.Equal(end); it = it.Next() {
				sum += it.Offset()
			}
			key++
		}
		sink.Add(sum)
	})
}

func BenchmarkBuildFile(b *testing.B) {
	path := writeLog(b)
	for _, workers := range []int{1, 4} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			cfg := config.Default().Index
			cfg.BuildWorkers = workers
			builder := indexer.NewBuilder(cfg, observe.Hooks{})
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, _, err := builder.BuildFile(context.Background(), path); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkClicked(b *testing.B) {
	eng := newEngine(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Clicked(ctx, uint32(i%benchUsers)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkImpressed(b *testing.B) {
	eng := newEngine(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Impressed(ctx, uint32(i%benchUsers), uint32((i+1)%benchUsers)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkProfit(b *testing.B) {
	eng := newEngine(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Profit(ctx, uint32(i%benchAds), 0.5); err != nil {
			b.Fatal(err)
		}
	}
}
