package quota

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(10)

	for i := 0; i < 10; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if rl.Allow("alice") {
		t.Error("11th request should be denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)

	for i := 0; i < 1000; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow("alice")
	}
	if rl.Allow("alice") {
		t.Error("should be rate limited after exhausting tokens")
	}

	time.Sleep(1100 * time.Millisecond)

	if !rl.Allow("alice") {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl := NewRateLimiter(60)

	for i := 0; i < 60; i++ {
		rl.Allow("alice")
	}

	if retryAfter := rl.RetryAfter("alice"); retryAfter < 1 {
		t.Errorf("expected retry-after >= 1, got %d", retryAfter)
	}
	if retryAfter := rl.RetryAfter("bob"); retryAfter != 0 {
		t.Errorf("unknown user retry-after = %d, want 0", retryAfter)
	}
}

func TestRateLimiterMultipleUsers(t *testing.T) {
	rl := NewRateLimiter(5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("alice request %d should be allowed", i+1)
		}
	}
	if rl.Allow("alice") {
		t.Error("alice should be rate limited")
	}
	if !rl.Allow("bob") {
		t.Error("bob should not be affected by alice's rate limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10)

	rl.Allow("alice")
	rl.Allow("bob")

	if len(rl.buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(rl.buckets))
	}

	rl.mu.Lock()
	rl.buckets["alice"].lastRefill = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(1 * time.Hour)

	rl.mu.Lock()
	count := len(rl.buckets)
	rl.mu.Unlock()

	if count != 1 {
		t.Errorf("expected 1 bucket after cleanup, got %d", count)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := rl.Middleware(func(r *http.Request) (string, bool) {
		id := r.Header.Get("X-User")
		return id, id != ""
	})(ok)

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("alice"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: got %d", rec.Code)
	}
	rec := do("alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec := do(""); rec.Code != http.StatusNoContent {
		t.Errorf("anonymous request: got %d", rec.Code)
	}
}
