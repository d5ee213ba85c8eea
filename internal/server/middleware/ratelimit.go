package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps one token bucket per client IP. Buckets idle for
// longer than the idle window are dropped on the next sweep.
type ClientLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewClientLimiter allows perMinute requests per client with a burst of
// burst. perMinute <= 0 disables limiting.
func NewClientLimiter(perMinute, burst int) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Limit(float64(perMinute) / 60)
	}
	return &ClientLimiter{
		limit:   l,
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientBucket),
	}
}

// Allow reports whether a request from client may proceed now, and if not
// how long until it could.
func (c *ClientLimiter) Allow(client string) (bool, time.Duration) {
	if c.limit == rate.Inf {
		return true, 0
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now)

	b, ok := c.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = b
	}
	b.seen = now

	r := b.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (c *ClientLimiter) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < c.idle {
		return
	}
	c.lastSweep = now
	for k, b := range c.clients {
		if now.Sub(b.seen) > c.idle {
			delete(c.clients, k)
		}
	}
}

// RateLimit returns middleware that applies per-client rate limiting to
// requests whose method is in methods (all methods when empty).
func RateLimit(limiter *ClientLimiter, methods ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limited(r.Method, methods) {
				next.ServeHTTP(w, r)
				return
			}

			ok, wait := limiter.Allow(extractClientIP(r))
			if !ok {
				secs := int((wait + time.Second - 1) / time.Second)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func limited(method string, methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
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
