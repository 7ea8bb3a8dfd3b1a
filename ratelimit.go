package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
// Allows bursts up to maxTokens, refilling at refillRate tokens per second.
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter allowing rate actions per second.
// A rate of 0 or less never limits.
func NewRateLimiter(rate int) *RateLimiter {
	if rate <= 0 {
		return &RateLimiter{tokens: 1, maxTokens: 1, lastRefill: time.Now()}
	}
	return &RateLimiter{
		tokens:     float64(rate),
		maxTokens:  float64(rate),
		refillRate: float64(rate),
		lastRefill: time.Now(),
	}
}

// Allow takes a token if one is available
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.refillRate == 0 {
		return true
	}

	now := time.Now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// IPRateLimiter keeps one token bucket per client IP. It guards receiver
// writes and stream connection attempts.
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	rate     int // requests per second per IP
	mu       sync.Mutex
}

func NewIPRateLimiter(rate int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
	}
}

// Allow reports whether ip may make another request now
func (l *IPRateLimiter) Allow(ip string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	limiter, exists := l.limiters[ip]
	if !exists {
		limiter = NewRateLimiter(l.rate)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Cleanup drops buckets unused for idle
func (l *IPRateLimiter) Cleanup(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip, limiter := range l.limiters {
		limiter.mu.Lock()
		if now.Sub(limiter.lastRefill) > idle {
			delete(l.limiters, ip)
		}
		limiter.mu.Unlock()
	}
}

// Len returns the number of tracked IPs
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// StartCleanup prunes idle buckets every minute until ctx ends
func (l *IPRateLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup(5 * time.Minute)
			}
		}
	}()
}

// rateLimitMiddleware rejects non-GET requests from clients over their budget
func rateLimitMiddleware(l *IPRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		clientIP := getClientIP(r)
		if !l.Allow(clientIP) {
			if DebugMode {
				log.Printf("DEBUG: Rate limit exceeded for %s %s from %s", r.Method, r.URL.Path, clientIP)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitConnections applies the per-IP budget to every request of next
func (l *IPRateLimiter) limitConnections(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(getClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
