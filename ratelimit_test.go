package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d rejected inside the burst", i)
		}
	}
	if rl.Allow() {
		t.Fatal("fourth request allowed")
	}

	rl.mu.Lock()
	rl.lastRefill = rl.lastRefill.Add(-time.Second)
	rl.mu.Unlock()
	if !rl.Allow() {
		t.Fatal("bucket did not refill")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !rl.Allow() {
			t.Fatal("unlimited limiter rejected a request")
		}
	}
	var none *IPRateLimiter
	if !none.Allow("10.0.0.1") {
		t.Fatal("nil limiter rejected a request")
	}
}

func TestIPRateLimiterPerIP(t *testing.T) {
	l := NewIPRateLimiter(1)
	if !l.Allow("10.0.0.1") || l.Allow("10.0.0.1") {
		t.Fatal("first IP not limited to one request")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("second IP shares the first IP's bucket")
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	l.mu.Lock()
	l.limiters["10.0.0.1"].lastRefill = time.Now().Add(-time.Hour)
	l.mu.Unlock()
	l.Cleanup(time.Minute)
	if l.Len() != 1 {
		t.Fatalf("Len after cleanup = %d, want 1", l.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := rateLimitMiddleware(NewIPRateLimiter(1), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(method string) int {
		req := httptest.NewRequest(method, "/api/frequency", nil)
		req.RemoteAddr = "192.0.2.7:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodPost); code != http.StatusNoContent {
		t.Fatalf("first POST = %d", code)
	}
	if code := do(http.MethodPost); code != http.StatusTooManyRequests {
		t.Fatalf("second POST = %d, want 429", code)
	}
	if code := do(http.MethodGet); code != http.StatusNoContent {
		t.Fatalf("GET = %d, reads are not limited", code)
	}
}
