package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 5 * time.Minute

// keyLimiter holds a rate limiter and the last time it was seen.
type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages per-caller rate limiters for job starts. Callers are
// keyed by owner when authenticated and by client IP otherwise.
type RateLimiter struct {
	mu    sync.Mutex
	keys  map[string]*keyLimiter
	rps   rate.Limit
	burst int
}

// NewRateLimiter creates a RateLimiter allowing rps requests/second per
// caller with the given burst (rps when burst < 1). Limiters idle for five
// minutes are evicted until ctx is done.
func NewRateLimiter(ctx context.Context, rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = max(int(rps), 1)
	}
	rl := &RateLimiter{
		keys:  make(map[string]*keyLimiter),
		rps:   rate.Limit(rps),
		burst: burst,
	}
	go rl.cleanup(ctx)
	return rl
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.keys[key]
	if !ok {
		l = &keyLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.keys[key] = l
	}
	l.lastSeen = time.Now()
	return l.limiter.Allow()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		cutoff := time.Now().Add(-limiterIdle)
		for key, l := range rl.keys {
			if l.lastSeen.Before(cutoff) {
				delete(rl.keys, key)
			}
		}
		rl.mu.Unlock()
	}
}

// limited reports whether the request starts work: job creation and resume.
func limited(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return r.URL.Path == "/api/v1/jobs" || strings.HasSuffix(r.URL.Path, "/resume")
}

// RateLimit returns a Middleware that limits job starts to rps req/s per caller.
// If rps is 0 the middleware is a no-op. It must run after Auth to key by owner.
func RateLimit(ctx context.Context, rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := NewRateLimiter(ctx, rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limited(r) {
				key := OwnerFrom(r.Context())
				if key == "" {
					key = "ip:" + clientIP(r)
				}
				if !rl.allow(key) {
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
