package ratelimit

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"gasrelay/observability"
)

// Event names the pipeline actions counted against a limit.
type Event string

const (
	EventQuote   Event = "quote"
	EventSubmit  Event = "submit"
	EventFailure Event = "failure"
)

const (
	windowSize  = time.Minute
	idleEvictAt = 5 * time.Minute
)

// Limits bound events per sliding minute for one scope. Zero means the
// event is not limited for that scope.
type Limits struct {
	Quotes   int
	Submits  int
	Failures int
}

func (l Limits) forEvent(event Event) int {
	switch event {
	case EventQuote:
		return l.Quotes
	case EventSubmit:
		return l.Submits
	case EventFailure:
		return l.Failures
	default:
		return 0
	}
}

// LimitError reports which scope tripped and when to retry.
type LimitError struct {
	Scope      string
	Event      Event
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded for %s", e.Scope, e.Event)
}

type window struct {
	events   map[Event][]time.Time
	lastSeen time.Time
}

func newWindow(now time.Time) *window {
	return &window{events: make(map[Event][]time.Time), lastSeen: now}
}

// count prunes entries outside the sliding window and returns what remains.
func (w *window) count(event Event, now time.Time) int {
	kept := w.events[event][:0]
	for _, at := range w.events[event] {
		if now.Sub(at) < windowSize {
			kept = append(kept, at)
		}
	}
	w.events[event] = kept
	return len(kept)
}

func (w *window) record(event Event, now time.Time) {
	w.events[event] = append(w.events[event], now)
	w.lastSeen = now
}

func (w *window) oldest(event Event) (time.Time, bool) {
	if len(w.events[event]) == 0 {
		return time.Time{}, false
	}
	return w.events[event][0], true
}

// Limiter enforces sliding one-minute windows per wallet and per IP with
// independent counters for quotes, submits, and failures.
type Limiter struct {
	mu      sync.Mutex
	wallets map[string]*window
	ips     map[string]*window

	walletLimits Limits
	ipLimits     Limits

	lastGC  time.Time
	clock   func() time.Time
	metrics *observability.GuardMetrics
}

func NewLimiter(walletLimits, ipLimits Limits) *Limiter {
	return &Limiter{
		wallets:      make(map[string]*window),
		ips:          make(map[string]*window),
		walletLimits: walletLimits,
		ipLimits:     ipLimits,
		clock:        time.Now,
		metrics:      observability.Guard(),
	}
}

// WithClock overrides the limiter clock for deterministic tests.
func (l *Limiter) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// Allow checks both scopes and, when admitted, counts the event against
// them. A denial counts against neither.
func (l *Limiter) Allow(wallet, ip string, event Event) error {
	ip = NormalizeIP(ip)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	l.gcLocked(now)

	walletWin := l.windowFor(l.wallets, wallet, now)
	ipWin := l.windowFor(l.ips, ip, now)

	if limit := l.walletLimits.forEvent(event); limit > 0 && walletWin != nil {
		if walletWin.count(event, now) >= limit {
			l.metrics.RecordThrottle("wallet", string(event))
			return &LimitError{Scope: "wallet", Event: event, RetryAfter: retryAfter(walletWin, event, now)}
		}
	}
	if limit := l.ipLimits.forEvent(event); limit > 0 && ipWin != nil {
		if ipWin.count(event, now) >= limit {
			l.metrics.RecordThrottle("ip", string(event))
			return &LimitError{Scope: "ip", Event: event, RetryAfter: retryAfter(ipWin, event, now)}
		}
	}
	if walletWin != nil {
		walletWin.record(event, now)
	}
	if ipWin != nil {
		ipWin.record(event, now)
	}
	return nil
}

// RecordFailure counts a failed submit without a limit check; the next Allow
// for EventFailure sees the updated window.
func (l *Limiter) RecordFailure(wallet, ip string) {
	ip = NormalizeIP(ip)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if win := l.windowFor(l.wallets, wallet, now); win != nil {
		win.record(EventFailure, now)
	}
	if win := l.windowFor(l.ips, ip, now); win != nil {
		win.record(EventFailure, now)
	}
}

// FailureCount reports failures in the current wallet window.
func (l *Limiter) FailureCount(wallet string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	win, ok := l.wallets[wallet]
	if !ok {
		return 0
	}
	return win.count(EventFailure, l.clock())
}

func (l *Limiter) windowFor(scope map[string]*window, key string, now time.Time) *window {
	if key == "" {
		return nil
	}
	win, ok := scope[key]
	if !ok {
		win = newWindow(now)
		scope[key] = win
	}
	return win
}

// gcLocked drops windows idle for more than five minutes so one-off clients
// do not accumulate forever.
func (l *Limiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < time.Minute {
		return
	}
	l.lastGC = now
	for key, win := range l.wallets {
		if now.Sub(win.lastSeen) > idleEvictAt {
			delete(l.wallets, key)
		}
	}
	for key, win := range l.ips {
		if now.Sub(win.lastSeen) > idleEvictAt {
			delete(l.ips, key)
		}
	}
}

func retryAfter(win *window, event Event, now time.Time) time.Duration {
	oldest, ok := win.oldest(event)
	if !ok {
		return windowSize
	}
	wait := windowSize - now.Sub(oldest)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// NormalizeIP strips ports and the IPv4-mapped IPv6 prefix so the same
// client always keys the same window.
func NormalizeIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(addr, "::ffff:")
	if parsed := net.ParseIP(addr); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return v4.String()
		}
		return parsed.String()
	}
	return addr
}
