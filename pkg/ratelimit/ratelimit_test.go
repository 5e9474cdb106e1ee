package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
)

func newTestLimiter(policies func() map[string]config.RateLimitBucket) *Limiter {
	// Built by hand so the sweep goroutine stays out of the test.
	return &Limiter{
		windows:  make(map[string]*window),
		policies: policies,
		now:      time.Now,
	}
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(nil)
	for i := 0; i < defaults[BucketAuth].Limit; i++ {
		ok, _, _, _ := l.Allow(BucketAuth, "10.0.0.1")
		if !ok {
			t.Fatalf("request %d unexpectedly rejected", i)
		}
	}
	ok, _, remaining, _ := l.Allow(BucketAuth, "10.0.0.1")
	if ok {
		t.Error("request past the limit must be rejected")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d", remaining)
	}
}

func TestAllowIsolatesIPsAndBuckets(t *testing.T) {
	l := newTestLimiter(nil)
	for i := 0; i < defaults[BucketAuth].Limit; i++ {
		l.Allow(BucketAuth, "10.0.0.1")
	}

	if ok, _, _, _ := l.Allow(BucketAuth, "10.0.0.2"); !ok {
		t.Error("another IP must have its own window")
	}
	if ok, _, _, _ := l.Allow(BucketPublic, "10.0.0.1"); !ok {
		t.Error("another bucket must have its own window")
	}
}

func TestAllowWindowExpiry(t *testing.T) {
	current := time.Now()
	l := newTestLimiter(nil)
	l.now = func() time.Time { return current }

	for i := 0; i < defaults[BucketAuth].Limit; i++ {
		l.Allow(BucketAuth, "10.0.0.1")
	}
	if ok, _, _, _ := l.Allow(BucketAuth, "10.0.0.1"); ok {
		t.Fatal("expected rejection at the limit")
	}

	current = current.Add(16 * time.Minute)
	if ok, _, _, _ := l.Allow(BucketAuth, "10.0.0.1"); !ok {
		t.Error("expired hits must free the window")
	}
}

func TestPolicyOverrides(t *testing.T) {
	l := newTestLimiter(func() map[string]config.RateLimitBucket {
		return map[string]config.RateLimitBucket{
			BucketAuth: {Limit: 2},
		}
	})

	p := l.policy(BucketAuth)
	if p.Limit != 2 {
		t.Errorf("limit = %d, want the override", p.Limit)
	}
	if p.WindowMs != defaults[BucketAuth].WindowMs {
		t.Errorf("windowMs = %d, want the default when the override leaves it zero", p.WindowMs)
	}

	l.Allow(BucketAuth, "10.0.0.1")
	l.Allow(BucketAuth, "10.0.0.1")
	if ok, _, _, _ := l.Allow(BucketAuth, "10.0.0.1"); ok {
		t.Error("overridden limit must apply immediately")
	}
}

func TestMiddlewareHeadersAnd429(t *testing.T) {
	l := newTestLimiter(func() map[string]config.RateLimitBucket {
		return map[string]config.RateLimitBucket{
			BucketPublic: {WindowMs: 60_000, Limit: 1},
		}
	})

	handler := l.Middleware(BucketPublic)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/apps", nil)
	req.RemoteAddr = "192.0.2.7:1234"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", first.Code)
	}
	if got := first.Header().Get("RateLimit-Policy"); got != "1;w=60" {
		t.Errorf("RateLimit-Policy = %q", got)
	}
	if got := first.Header().Get("RateLimit-Remaining"); got != "0" {
		t.Errorf("RateLimit-Remaining = %q", got)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", second.Code)
	}
	if ct := second.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := second.Body.String(); body != `{"error":"too many requests","code":"RATE_LIMITED"}` {
		t.Errorf("body = %s", body)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Errorf("clientIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("clientIP with forwarding = %q, want the leftmost entry", got)
	}
}
