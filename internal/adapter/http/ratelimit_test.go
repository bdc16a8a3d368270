package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func limitedRequest(handler http.Handler, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = ip
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsBurst(t *testing.T) {
	handler := limitedHandler(NewRateLimiter(10, 10))

	for i := range 10 {
		rec := limitedRequest(handler, "/", "192.168.1.1:1234")
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	handler := limitedHandler(NewRateLimiter(10, 5))

	for range 5 {
		limitedRequest(handler, "/", "192.168.1.1:1234")
	}

	rec := limitedRequest(handler, "/", "192.168.1.1:1234")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate limit exceeded" {
		t.Errorf("error = %q, want 'rate limit exceeded'", body.Error)
	}
}

func TestRateLimiterSetsHeaders(t *testing.T) {
	handler := limitedHandler(NewRateLimiter(10, 10))

	rec := limitedRequest(handler, "/", "192.168.1.1:1234")
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("expected X-RateLimit-Remaining header")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	handler := limitedHandler(NewRateLimiter(10, 2))

	for range 2 {
		limitedRequest(handler, "/", "10.0.0.1:1234")
	}

	if rec := limitedRequest(handler, "/", "10.0.0.1:1234"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("IP 10.0.0.1: expected 429, got %d", rec.Code)
	}
	if rec := limitedRequest(handler, "/", "10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("IP 10.0.0.2: expected 200, got %d", rec.Code)
	}
}

func TestRateLimiterExemptsHealth(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	handler := limitedHandler(rl)

	limitedRequest(handler, "/", "10.0.0.1:1234") // exhaust the bucket

	if rec := limitedRequest(handler, "/health", "10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Errorf("/health: expected 200 past the limit, got %d", rec.Code)
	}
}

func TestRateLimiterCleanupEvictsIdle(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	handler := limitedHandler(rl)

	limitedRequest(handler, "/", "10.0.0.1:1234")
	limitedRequest(handler, "/", "10.0.0.2:1234")
	if got := rl.Len(); got != 2 {
		t.Fatalf("tracked IPs = %d, want 2", got)
	}

	time.Sleep(5 * time.Millisecond)
	rl.cleanup(time.Millisecond)
	if got := rl.Len(); got != 0 {
		t.Fatalf("tracked IPs after cleanup = %d, want 0", got)
	}
}
