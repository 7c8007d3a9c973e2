package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"gasrelay/observability"
)

const (
	bucketSize      = 5 * time.Minute
	checkEvery      = 30 * time.Second
	baselineWindow  = 60 * time.Minute
	baselineMinimum = 10
	rederiveEvery   = 5 * time.Minute
	alertDedupeFor  = 5 * time.Minute
)

// Alert describes one detected anomaly.
type Alert struct {
	Type      string
	Subject   string
	Observed  float64
	Threshold float64
	At        time.Time
}

// AlertFunc receives anomalies as they fire.
type AlertFunc func(Alert)

type series struct {
	current    float64
	currentEnd time.Time
	history    []sample
	threshold  float64
	learned    bool
	derivedAt  time.Time
}

type sample struct {
	value float64
	at    time.Time
}

// Detector watches event volumes in five-minute buckets and alerts when a
// bucket exceeds a learned baseline of mean plus three standard deviations.
// Until enough history exists it falls back to a static floor per type.
type Detector struct {
	mu        sync.Mutex
	series    map[string]map[string]*series // type -> subject
	floors    map[string]float64
	lastAlert map[string]time.Time // type|subject
	alert     AlertFunc
	learn     bool
	clock     func() time.Time
	metrics   *observability.GuardMetrics
}

// NewDetector builds a detector with per-type floor thresholds. A missing
// floor defaults to 100 events per bucket.
func NewDetector(floors map[string]float64, alert AlertFunc) *Detector {
	if floors == nil {
		floors = make(map[string]float64)
	}
	return &Detector{
		series:    make(map[string]map[string]*series),
		floors:    floors,
		lastAlert: make(map[string]time.Time),
		alert:     alert,
		learn:     true,
		clock:     time.Now,
		metrics:   observability.Guard(),
	}
}

// WithLearning toggles baseline learning. When disabled, every series keeps
// its static floor threshold.
func (d *Detector) WithLearning(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.learn = enabled
}

// WithClock overrides the detector clock for deterministic tests.
func (d *Detector) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = clock
}

// Observe adds one event to the current bucket for (kind, subject).
func (d *Detector) Observe(kind, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	s := d.seriesFor(kind, subject, now)
	d.rollLocked(s, now)
	s.current++
}

// Check compares every current bucket against its threshold, firing alerts
// for breaches not already reported in the dedupe window.
func (d *Detector) Check() {
	d.mu.Lock()
	now := d.clock()
	var fired []Alert
	learned := 0
	for kind, subjects := range d.series {
		for subject, s := range subjects {
			d.rollLocked(s, now)
			d.deriveLocked(kind, s, now)
			if s.learned {
				learned++
			}
			if s.current <= s.threshold {
				continue
			}
			key := kind + "|" + subject
			if last, ok := d.lastAlert[key]; ok && now.Sub(last) < alertDedupeFor {
				continue
			}
			d.lastAlert[key] = now
			fired = append(fired, Alert{
				Type:      kind,
				Subject:   subject,
				Observed:  s.current,
				Threshold: s.threshold,
				At:        now,
			})
		}
	}
	d.metrics.SetLearnedThresholds(learned)
	alert := d.alert
	d.mu.Unlock()

	for _, a := range fired {
		d.metrics.RecordAnomaly(a.Type)
		slog.Warn("anomaly detected",
			"type", a.Type,
			"subject", a.Subject,
			"observed", a.Observed,
			"threshold", a.Threshold,
		)
		if alert != nil {
			alert(a)
		}
	}
}

// Run checks on a fixed cadence until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check()
		}
	}
}

// Threshold reports the active threshold for a series, for tests and the
// admin surface.
func (d *Detector) Threshold(kind, subject string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subjects, ok := d.series[kind]
	if !ok {
		return 0, false
	}
	s, ok := subjects[subject]
	if !ok {
		return 0, false
	}
	return s.threshold, s.learned
}

func (d *Detector) seriesFor(kind, subject string, now time.Time) *series {
	subjects, ok := d.series[kind]
	if !ok {
		subjects = make(map[string]*series)
		d.series[kind] = subjects
	}
	s, ok := subjects[subject]
	if !ok {
		s = &series{
			currentEnd: now.Truncate(bucketSize).Add(bucketSize),
			threshold:  d.floorFor(kind),
		}
		subjects[subject] = s
	}
	return s
}

func (d *Detector) floorFor(kind string) float64 {
	if floor, ok := d.floors[kind]; ok {
		return floor
	}
	return 100
}

// rollLocked closes finished buckets into history and trims history to the
// baseline window.
func (d *Detector) rollLocked(s *series, now time.Time) {
	for !now.Before(s.currentEnd) {
		s.history = append(s.history, sample{value: s.current, at: s.currentEnd})
		s.current = 0
		s.currentEnd = s.currentEnd.Add(bucketSize)
	}
	kept := s.history[:0]
	for _, h := range s.history {
		if now.Sub(h.at) <= baselineWindow {
			kept = append(kept, h)
		}
	}
	s.history = kept
}

// deriveLocked recomputes the threshold from recent history at most every
// five minutes. The learned value never drops below the floor.
func (d *Detector) deriveLocked(kind string, s *series, now time.Time) {
	if now.Sub(s.derivedAt) < rederiveEvery {
		return
	}
	s.derivedAt = now
	floor := d.floorFor(kind)
	if !d.learn || len(s.history) < baselineMinimum {
		s.threshold = floor
		s.learned = false
		return
	}
	var sum float64
	for _, h := range s.history {
		sum += h.value
	}
	mean := sum / float64(len(s.history))
	var variance float64
	for _, h := range s.history {
		variance += (h.value - mean) * (h.value - mean)
	}
	variance /= float64(len(s.history))
	threshold := mean + 3*math.Sqrt(variance)
	if threshold < floor {
		threshold = floor
	}
	s.threshold = threshold
	s.learned = true
}
