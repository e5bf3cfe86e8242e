package analytics

import (
	"strconv"
	"time"
)

type EventType string

const (
	EventQuery      EventType = "query"
	EventIndexBuild EventType = "index_build"
)

// QueryEvent describes one answered (or failed) query.
type QueryEvent struct {
	Type      EventType `json:"type"`
	Op        string    `json:"op"`
	Users     []uint32  `json:"users,omitempty"`
	Ad        uint32    `json:"ad,omitempty"`
	Results   int       `json:"results"`
	LatencyMs float64   `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildEvent describes a completed index build.
type BuildEvent struct {
	Type         EventType `json:"type"`
	Path         string    `json:"path"`
	Lines        int64     `json:"lines"`
	DistinctKeys int       `json:"distinct_keys"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// eventKey picks the Kafka partition key: events about the same user land
// on the same partition.
func eventKey(event any) string {
	switch e := event.(type) {
	case QueryEvent:
		if len(e.Users) > 0 {
			return "user-" + strconv.FormatUint(uint64(e.Users[0]), 10)
		}
		return "op-" + e.Op
	case BuildEvent:
		return "build"
	default:
		return "analytics"
	}
}

// envelope is decoded first to route a raw message by its type.
type envelope struct {
	Type EventType `json:"type"`
}
