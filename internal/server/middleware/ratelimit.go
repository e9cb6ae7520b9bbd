package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiters hands out one token bucket per client IP. Buckets idle for
// longer than ttl are dropped on the next lookup sweep.
type clientLimiters struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	ttl     time.Duration
	clients map[string]*clientEntry
	swept   time.Time
}

type clientEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func (c *clientLimiters) get(ip string, now time.Time) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.swept) > c.ttl {
		for k, e := range c.clients {
			if now.Sub(e.seen) > c.ttl {
				delete(c.clients, k)
			}
		}
		c.swept = now
	}
	e, ok := c.clients[ip]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(c.perSec, c.burst)}
		c.clients[ip] = e
	}
	e.seen = now
	return e.limiter
}

// RateLimit limits each client IP to perSec requests per second with the
// given burst. perSec <= 0 disables limiting.
func RateLimit(perSec float64, burst int) func(http.Handler) http.Handler {
	if burst < 1 {
		burst = 1
	}
	lim := &clientLimiters{
		perSec:  rate.Limit(perSec),
		burst:   burst,
		ttl:     10 * time.Minute,
		clients: make(map[string]*clientEntry),
	}
	return func(next http.Handler) http.Handler {
		if perSec <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.get(extractClientIP(r), time.Now()).Allow() {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP prefers proxy headers over the socket address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
