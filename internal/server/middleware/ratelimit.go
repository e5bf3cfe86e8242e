// Package middleware holds the query server's client-facing HTTP middleware:
// per-client rate limiting and CORS.
package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/logger"
)

// RateLimit enforces limiter per client address. Health probes are exempt.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}
			client := ClientAddr(r)
			if !limiter.Allow(client) {
				wait := limiter.RetryAfter(client)
				logger.FromContext(r.Context()).Warn("rate limit exceeded", "client", client, "retry_after", wait)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientAddr identifies the caller: the first X-Forwarded-For hop when
// present, otherwise the remote host.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
