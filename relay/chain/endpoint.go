package chain

import (
	"math/rand"
	"time"
)

const (
	endpointFailureLimit  = 3
	endpointFailureWindow = 15 * time.Second
	endpointOpenFor       = 15 * time.Second
	backoffBase           = 500 * time.Millisecond
	backoffCap            = 30 * time.Second
	backoffResetSuccesses = 10
	latencyRingSize       = 50
)

// endpoint tracks per-URL health. All fields are guarded by the client mutex.
type endpoint struct {
	url string

	failures      []time.Time
	openUntil     time.Time
	successStreak int

	rateLimitedUntil time.Time
	backoffLevel     int

	latencies [latencyRingSize]time.Duration
	latencyAt int
	latencyN  int
}

func (e *endpoint) available(now time.Time) bool {
	return !now.Before(e.openUntil) && !now.Before(e.rateLimitedUntil)
}

func (e *endpoint) recordSuccess(now time.Time, took time.Duration) {
	e.failures = e.failures[:0]
	e.successStreak++
	if e.successStreak >= backoffResetSuccesses {
		e.backoffLevel = 0
	}
	e.latencies[e.latencyAt] = took
	e.latencyAt = (e.latencyAt + 1) % latencyRingSize
	if e.latencyN < latencyRingSize {
		e.latencyN++
	}
}

// recordFailure counts a failure inside the sliding window and opens the
// circuit when the window fills.
func (e *endpoint) recordFailure(now time.Time) (opened bool) {
	e.successStreak = 0
	kept := e.failures[:0]
	for _, at := range e.failures {
		if now.Sub(at) <= endpointFailureWindow {
			kept = append(kept, at)
		}
	}
	e.failures = append(kept, now)
	if len(e.failures) >= endpointFailureLimit {
		e.openUntil = now.Add(endpointOpenFor)
		e.failures = e.failures[:0]
		return true
	}
	return false
}

// recordRateLimit backs the endpoint off exponentially with jitter.
func (e *endpoint) recordRateLimit(now time.Time) time.Duration {
	delay := backoffBase << e.backoffLevel
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	e.rateLimitedUntil = now.Add(delay)
	if e.backoffLevel < 8 {
		e.backoffLevel++
	}
	e.successStreak = 0
	return delay
}

func (e *endpoint) meanLatency() time.Duration {
	if e.latencyN == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < e.latencyN; i++ {
		total += e.latencies[i]
	}
	return total / time.Duration(e.latencyN)
}
