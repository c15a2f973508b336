package chi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long a client's bucket survives without requests.
const DefaultIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client address. Buckets idle for
// the TTL are dropped. The TTL is never shorter than a full refill.
type RateLimiter struct {
	mu        sync.Mutex
	limits    map[string]*clientLimiter
	rps       rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per client
// with the given burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	ttl := DefaultIdleTTL
	if rps > 0 {
		ttl = max(ttl, time.Duration(float64(burst)/rps*float64(time.Second)))
	}
	return &RateLimiter{
		limits:  make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		rl.sweep(now)
	}

	if c, ok := rl.limits[key]; ok {
		c.lastSeen = now
		return c.limiter
	}
	c := &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst), lastSeen: now}
	rl.limits[key] = c
	return c.limiter
}

// sweep drops idle buckets. Callers hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, c := range rl.limits {
		if now.Sub(c.lastSeen) >= rl.idleTTL {
			delete(rl.limits, key)
		}
	}
	rl.lastSweep = now
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limits)
}

// Allow reports whether a request from key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, msgRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
