package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gasrelay/relay/ratelimit"
)

const visitorIdleEvict = 5 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter applies the coarse global per-IP ceiling in front of the
// endpoint-specific sliding windows the services enforce themselves.
type IPLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	perMinute float64
	burst     int
	lastGC    time.Time
	clock     func() time.Time
}

func NewIPLimiter(requestsPerMinute int) *IPLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 100
	}
	return &IPLimiter{
		visitors:  make(map[string]*visitor),
		perMinute: float64(requestsPerMinute),
		burst:     requestsPerMinute,
		clock:     time.Now,
	}
}

// WithClock overrides the limiter clock for deterministic tests.
func (l *IPLimiter) WithClock(clock func() time.Time) {
	if clock != nil {
		l.clock = clock
	}
}

// Middleware refuses requests from addresses over the global ceiling with the
// standard error envelope.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ratelimit.NormalizeIP(ClientIP(r))
		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":      "too many requests from this address",
				"code":       "IP_RATE_LIMITED",
				"requestId":  GetRequestID(r.Context()),
				"retryAfter": 60,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	l.gcLocked(now)
	entry, ok := l.visitors[ip]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(rate.Limit(l.perMinute/60.0), l.burst)}
		l.visitors[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *IPLimiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < time.Minute {
		return
	}
	l.lastGC = now
	for ip, entry := range l.visitors {
		if now.Sub(entry.lastSeen) > visitorIdleEvict {
			delete(l.visitors, ip)
		}
	}
}
