package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, rps float64, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(rps, burst)
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAllowFirstRequest(t *testing.T) {
	limiter, _ := newTestLimiter(t, 10, 5)

	if !limiter.Allow("192.168.1.1") {
		t.Error("expected first request from new key to be allowed")
	}
}

func TestRequestsExceedingBurstAreDenied(t *testing.T) {
	burst := 3
	limiter, _ := newTestLimiter(t, 1, burst)

	for i := 0; i < burst; i++ {
		if !limiter.Allow("k") {
			t.Errorf("request %d within burst of %d should be allowed", i+1, burst)
		}
	}

	if limiter.Allow("k") {
		t.Error("request exceeding burst should be denied")
	}
}

func TestOnePerSecond(t *testing.T) {
	limiter, clock := newTestLimiter(t, 1, 1)

	if !limiter.Allow("session-a") {
		t.Fatal("expected first poll to be allowed")
	}
	clock.Advance(500 * time.Millisecond)
	if limiter.Allow("session-a") {
		t.Error("expected second poll within a second to be denied")
	}
	clock.Advance(600 * time.Millisecond)
	if !limiter.Allow("session-a") {
		t.Error("expected poll after a second to be allowed")
	}
}

func TestDifferentKeysHaveIndependentLimits(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 1)

	limiter.Allow("session-a")
	if limiter.Allow("session-a") {
		t.Error("expected second request for first key to be denied")
	}
	if !limiter.Allow("session-b") {
		t.Error("expected first request for second key to be allowed")
	}
}

func TestTokensDoNotExceedBurst(t *testing.T) {
	burst := 3
	limiter, clock := newTestLimiter(t, 100, burst)

	limiter.Allow("k")
	clock.Advance(time.Minute)

	allowed := 0
	for i := 0; i < burst+2; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != burst {
		t.Errorf("expected %d requests allowed, got %d", burst, allowed)
	}
}

func TestEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(t, 1, 1)
	limiter.Allow("k")
	clock.Advance(11 * time.Minute)
	limiter.evictIdle(10 * time.Minute)

	limiter.mu.Lock()
	remaining := len(limiter.visitors)
	limiter.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected idle visitor to be evicted, %d remain", remaining)
	}
}

func TestMiddlewareReturns429WhenRateLimited(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 1)
	handler := limiter.Middleware(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "192.168.1.1:12345"
	firstRecorder := httptest.NewRecorder()
	handler.ServeHTTP(firstRecorder, first)
	if firstRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", firstRecorder.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.RemoteAddr = "192.168.1.1:23456"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, second)

	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", got)
	}
	if got := recorder.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After=1, got %s", got)
	}
}

func TestMiddlewareByCustomKey(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 1)
	handler := limiter.MiddlewareBy(func(r *http.Request) string {
		return r.Header.Get("X-Session")
	})(okHandler())

	send := func(session string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Session", session)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("a"); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	if code := send("b"); code != http.StatusOK {
		t.Errorf("expected 200 for another session, got %d", code)
	}
	if code := send(""); code != http.StatusOK {
		t.Errorf("expected empty key to bypass limiting, got %d", code)
	}
	if code := send(""); code != http.StatusOK {
		t.Errorf("expected empty key to bypass limiting, got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := ClientIP(req); got != "10.0.0.1" {
		t.Errorf("expected 10.0.0.1, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Errorf("expected first forwarded address, got %q", got)
	}
}
