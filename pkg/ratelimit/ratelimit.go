// Package ratelimit provides per-IP sliding-window rate limiting with
// standard RateLimit response headers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
)

// Bucket names. Each HTTP route group attaches to exactly one bucket.
const (
	BucketPublic    = "public"
	BucketAdmin     = "admin"
	BucketAuth      = "auth"
	BucketInference = "inference"
)

var defaults = map[string]config.RateLimitBucket{
	BucketPublic:    {WindowMs: 15 * 60 * 1000, Limit: 100},
	BucketAdmin:     {WindowMs: 15 * 60 * 1000, Limit: 50},
	BucketAuth:      {WindowMs: 15 * 60 * 1000, Limit: 30},
	BucketInference: {WindowMs: 15 * 60 * 1000, Limit: 60},
}

type window struct {
	hits []time.Time
}

// Limiter tracks request timestamps per (bucket, client IP) pair.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	policies func() map[string]config.RateLimitBucket
	now      func() time.Time
}

// New builds a limiter. policies returns the current platform overrides and
// is consulted on every request so config reloads apply immediately.
// StartSweep must be called to bound the window table.
func New(policies func() map[string]config.RateLimitBucket) *Limiter {
	return &Limiter{
		windows:  make(map[string]*window),
		policies: policies,
		now:      time.Now,
	}
}

func (l *Limiter) policy(bucket string) config.RateLimitBucket {
	p := defaults[bucket]
	if l.policies == nil {
		return p
	}
	overrides := l.policies()
	if o, ok := overrides[bucket]; ok {
		if o.WindowMs > 0 {
			p.WindowMs = o.WindowMs
		}
		if o.Limit > 0 {
			p.Limit = o.Limit
		}
	}
	return p
}

// Allow records a hit and reports whether it is within the bucket's limit,
// along with the remaining budget and the reset time.
func (l *Limiter) Allow(bucket, ip string) (ok bool, limit, remaining int, reset time.Time) {
	p := l.policy(bucket)
	win := time.Duration(p.WindowMs) * time.Millisecond
	now := l.now()
	cutoff := now.Add(-win)

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucket + "|" + ip
	w := l.windows[key]
	if w == nil {
		w = &window{}
		l.windows[key] = w
	}

	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	reset = now.Add(win)
	if len(w.hits) > 0 {
		reset = w.hits[0].Add(win)
	}

	if len(w.hits) >= p.Limit {
		return false, p.Limit, 0, reset
	}
	w.hits = append(w.hits, now)
	return true, p.Limit, p.Limit - len(w.hits), reset
}

// StartSweep periodically drops idle windows until ctx is cancelled, so the
// table cannot grow without bound.
func (l *Limiter) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweepOnce(l.now().Add(-time.Hour))
			}
		}
	}()
}

func (l *Limiter) sweepOnce(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if len(w.hits) == 0 || w.hits[len(w.hits)-1].Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

// Middleware enforces a bucket on a route group.
func (l *Limiter) Middleware(bucket string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			ok, limit, remaining, reset := l.Allow(bucket, ip)

			windowSecs := l.policy(bucket).WindowMs / 1000
			w.Header().Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", limit, windowSecs))
			w.Header().Set("RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("RateLimit-Reset", fmt.Sprintf("%d", int(time.Until(reset).Seconds())+1))

			if !ok {
				slog.Warn("rate limit exceeded", "bucket", bucket, "ip", ip, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"too many requests","code":"RATE_LIMITED"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the leftmost X-Forwarded-For entry; deployments put the
// gateway behind a trusted reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
