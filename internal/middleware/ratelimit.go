package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware implements rate limiting using token bucket algorithm
func RateLimitMiddleware(requestsPerSecond float64, burstSize int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimiters hands out one limiter per client address.
type ipLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newIPLimiters(requestsPerSecond float64, burstSize int) *ipLimiters {
	return &ipLimiters{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burstSize,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// cleanup drops limiters that are back to a full bucket, i.e. idle clients.
func (l *ipLimiters) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, limiter := range l.limiters {
		if limiter.Tokens() >= float64(limiter.Burst()) {
			delete(l.limiters, ip)
		}
	}
}

// PerIPRateLimitMiddleware implements per-IP rate limiting
func PerIPRateLimitMiddleware(requestsPerSecond float64, burstSize int) func(http.Handler) http.Handler {
	limiters := newIPLimiters(requestsPerSecond, burstSize)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiters.cleanup()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.get(getClientIP(r)).Allow() {
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error": "Rate limit exceeded"}`))
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// APIRateLimitMiddleware applies stricter rate limiting to API endpoints
func APIRateLimitMiddleware() func(http.Handler) http.Handler {
	return PerIPRateLimitMiddleware(1, 5) // sync triggers are expensive
}

// WebhookRateLimitMiddleware applies rate limiting to webhook endpoints
func WebhookRateLimitMiddleware() func(http.Handler) http.Handler {
	return PerIPRateLimitMiddleware(100, 200) // 100 requests per second, burst of 200
}
