// Command loadtest drives the query server with a mix of get, clicked,
// impressed and profit requests and reports throughput, latency and cache
// hit rate per operation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	MaxUser     uint32
	MaxAd       uint32
	Mix         []string
}

type opStats struct {
	latencies []time.Duration
	errors    int64
	cacheHits int64
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	mu            sync.Mutex
	byOp          map[string]*opStats
	statusCodes   map[int]int64
}

func NewStats() *Stats {
	return &Stats{
		byOp:        make(map[string]*opStats),
		statusCodes: make(map[int]int64),
	}
}

func (s *Stats) RecordRequest(op string, duration time.Duration, statusCode int, cacheHit bool, err error) {
	s.totalRequests.Add(1)
	ok := err == nil && statusCode >= 200 && statusCode < 300
	if ok {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.byOp[op]
	if !found {
		st = &opStats{latencies: make([]time.Duration, 0, 10000)}
		s.byOp[op] = st
	}
	if err != nil {
		st.errors++
		return
	}
	s.statusCodes[statusCode]++
	st.latencies = append(st.latencies, duration)
	if !ok {
		st.errors++
	}
	if cacheHit {
		st.cacheHits++
	}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the query server")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	maxUser := flag.Uint("users", 1000, "user ids are drawn from [0, users)")
	maxAd := flag.Uint("ads", 1000, "ad ids are drawn from [0, ads)")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		MaxUser:     uint32(max(*maxUser, 1)),
		MaxAd:       uint32(max(*maxAd, 1)),
		// profit scans every user, so it is drawn rarely.
		Mix: []string{"get", "get", "get", "clicked", "clicked", "clicked", "impressed", "impressed", "profit"},
	}

	fmt.Println("=== Ad Log Query Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Users/Ads:   %d/%d\n", cfg.MaxUser, cfg.MaxAd)
	fmt.Println()

	stats := runLoadTest(cfg)
	if !printReport(stats, cfg.Duration) {
		os.Exit(1)
	}
}

func requestPath(op string, r *rand.Rand, cfg Config) string {
	user := func() uint32 { return r.Uint32N(cfg.MaxUser) }
	ad := func() uint32 { return r.Uint32N(cfg.MaxAd) }
	switch op {
	case "get":
		return fmt.Sprintf("/api/v1/get?user=%d&ad=%d&query=%d&position=%d&depth=%d",
			user(), ad(), r.Uint32N(cfg.MaxAd), 1+r.UintN(3), 1+r.UintN(3))
	case "clicked":
		return fmt.Sprintf("/api/v1/clicked?user=%d", user())
	case "impressed":
		return fmt.Sprintf("/api/v1/impressed?user1=%d&user2=%d", user(), user())
	default:
		return fmt.Sprintf("/api/v1/profit?ad=%d&ratio=%.2f", ad(), r.Float64())
	}
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(workerID), uint64(time.Now().UnixNano())))
			for ctx.Err() == nil {
				op := cfg.Mix[r.IntN(len(cfg.Mix))]
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+requestPath(op, r, cfg), nil)
				if err != nil {
					panic(fmt.Sprintf("creating request: %v", err))
				}

				start := time.Now()
				resp, err := client.Do(req)
				elapsed := time.Since(start)
				if err != nil {
					if ctx.Err() == nil {
						stats.RecordRequest(op, elapsed, 0, false, err)
					}
					continue
				}
				var body struct {
					CacheHit bool `json:"cache_hit"`
				}
				json.NewDecoder(resp.Body).Decode(&body)
				resp.Body.Close()
				stats.RecordRequest(op, elapsed, resp.StatusCode, body.CacheHit, nil)
			}
		}(w)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

// printReport reports false when no request completed.
func printReport(stats *Stats, duration time.Duration) bool {
	total := stats.totalRequests.Load()
	errCount := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", stats.successCount.Load())
	fmt.Printf("Errors:          %d\n", errCount)
	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errCount)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	ops := make([]string, 0, len(stats.byOp))
	for op := range stats.byOp {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	for _, op := range ops {
		st := stats.byOp[op]
		lat := slices.Clone(st.latencies)
		slices.Sort(lat)
		fmt.Println()
		fmt.Printf("=== %s ===\n", op)
		fmt.Printf("Requests: %d  Errors: %d  Cache hits: %d\n", len(lat), st.errors, st.cacheHits)
		if len(lat) == 0 {
			continue
		}
		var sum time.Duration
		for _, l := range lat {
			sum += l
		}
		avg := sum / time.Duration(len(lat))
		var sumSquared float64
		for _, l := range lat {
			diff := float64(l - avg)
			sumSquared += diff * diff
		}
		fmt.Printf("Min: %s  Avg: %s  P50: %s  P95: %s  P99: %s  Max: %s  StdDev: %s\n",
			lat[0], avg, percentile(lat, 50), percentile(lat, 95), percentile(lat, 99), lat[len(lat)-1],
			time.Duration(math.Sqrt(sumSquared/float64(len(lat)))))
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code])
	}

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the query server running?")
		return false
	}
	return true
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
