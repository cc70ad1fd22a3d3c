package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/metrics"
)

// responseWriter captures the status code and stamps x-response-time just
// before the header is flushed.
type responseWriter struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code
	rw.Header().Set("x-response-time", time.Since(rw.start).String())
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// headers sets the identification headers every response carries.
func headers(serverName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("x-request-id")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("x-request-id", reqID)
			w.Header().Set("Server", "escrowd")
			if serverName != "" {
				w.Header().Set("x-server-name", serverName)
			}
			w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
			next.ServeHTTP(w, r)
		})
	}
}

// instrument wraps the writer for status capture, records request metrics
// and emits one access log line per request.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, start: time.Now()}
		timer := metrics.NewTimer()

		next.ServeHTTP(rw, r)

		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Msg("request handled")
	})
}

// rateLimiter enforces a per-client token bucket, keyed by client IP.
type rateLimiter struct {
	rps      float64
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(getClientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Code:    "TooManyRequests",
				Message: "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	limiter, exists := rl.limiters[clientIP]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.limiters[clientIP] = limiter
		// Keep the map bounded; per-IP fairness resets, which is fine.
		if len(rl.limiters) > 10000 {
			rl.limiters = map[string]*rate.Limiter{clientIP: limiter}
		}
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
