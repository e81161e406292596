package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitMiddleware limits requests per client IP over a sliding window.
type RateLimitMiddleware struct {
	requests  map[string][]time.Time
	proxies   TrustedProxies
	lastSweep time.Time
	mu        sync.Mutex
	now       func() time.Time
}

// NewRateLimitMiddleware creates a new rate limiting middleware. Forwarded
// client addresses are only honoured from proxies.
func NewRateLimitMiddleware(proxies TrustedProxies) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		requests: make(map[string][]time.Time),
		proxies:  proxies,
		now:      time.Now,
	}
}

// RateLimit allows at most maxRequests per client IP within window.
func (m *RateLimitMiddleware) RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := m.proxies.ClientIP(r)
			now := m.now()

			m.mu.Lock()
			m.sweep(now, window)
			recent := m.requests[clientIP][:0]
			for _, ts := range m.requests[clientIP] {
				if now.Sub(ts) < window {
					recent = append(recent, ts)
				}
			}
			if len(recent) >= maxRequests {
				retry := window - now.Sub(recent[0])
				m.requests[clientIP] = recent
				m.mu.Unlock()
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			m.requests[clientIP] = append(recent, now)
			m.mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}

// sweep drops clients with nothing left in the window, at most once per
// window. Callers hold m.mu.
func (m *RateLimitMiddleware) sweep(now time.Time, window time.Duration) {
	if now.Sub(m.lastSweep) < window {
		return
	}
	for ip, times := range m.requests {
		if len(times) == 0 || now.Sub(times[len(times)-1]) >= window {
			delete(m.requests, ip)
		}
	}
	m.lastSweep = now
}
