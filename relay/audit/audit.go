package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gasrelay/observability"
	"gasrelay/observability/logging"
)

// Event types recorded by the pipeline.
const (
	TypeQuoteIssued    = "quote_issued"
	TypeQuoteRejected  = "quote_rejected"
	TypeSubmitReceived = "submit_received"
	TypeSubmitRejected = "submit_rejected"
	TypeSubmitSent     = "submit_sent"
	TypeRateLimited    = "rate_limited"
	TypeAnomaly        = "anomaly"
	TypePayerRotation  = "payer_rotation"
)

const (
	ringCapacity  = 100
	flushInterval = 10 * time.Second
)

// Event is one audit record. Wallet and payer identifiers arrive already
// truncated; full keys never reach the sink.
type Event struct {
	Type      string            `json:"type"`
	At        time.Time         `json:"at"`
	Wallet    string            `json:"wallet,omitempty"`
	IP        string            `json:"ip,omitempty"`
	QuoteID   string            `json:"quoteId,omitempty"`
	Signature string            `json:"signature,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// NewEvent builds an event with identifiers truncated for privacy.
func NewEvent(eventType, wallet, ip, quoteID string) Event {
	return Event{
		Type:    eventType,
		At:      time.Now(),
		Wallet:  logging.TruncateKey(wallet),
		IP:      logging.TruncateKey(ip),
		QuoteID: quoteID,
	}
}

// WithDetail attaches one detail pair, allocating the map lazily.
func (e Event) WithDetail(key, value string) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

func (e Event) detailJSON() string {
	if len(e.Detail) == 0 {
		return ""
	}
	raw, err := json.Marshal(e.Detail)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Sink receives flushed batches.
type Sink interface {
	Write(ctx context.Context, events []Event) error
	Close() error
}

// Log buffers events in a bounded ring and flushes them to the sink every
// ten seconds or as soon as the ring fills. When the ring is full new events
// are dropped and counted rather than blocking the pipeline.
type Log struct {
	mu      sync.Mutex
	ring    []Event
	dropped int
	sink    Sink
	kick    chan struct{}
	metrics *observability.AuditMetrics
}

func NewLog(sink Sink) *Log {
	return &Log{
		ring:    make([]Event, 0, ringCapacity),
		sink:    sink,
		kick:    make(chan struct{}, 1),
		metrics: observability.Audit(),
	}
}

// Record appends an event, nudging the flusher when the ring fills.
func (l *Log) Record(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	l.metrics.RecordEvent(event.Type)
	l.mu.Lock()
	full := len(l.ring) >= ringCapacity
	if full {
		l.dropped++
	} else {
		l.ring = append(l.ring, event)
		full = len(l.ring) >= ringCapacity
	}
	l.mu.Unlock()
	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes buffered events to the sink. On sink failure the batch is
// requeued ahead of newer events, capacity permitting.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.ring) == 0 && l.dropped == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.ring
	dropped := l.dropped
	l.ring = make([]Event, 0, ringCapacity)
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		l.metrics.RecordDropped(dropped)
		slog.Warn("audit: events dropped", "count", dropped)
	}
	if len(batch) == 0 {
		return nil
	}
	err := l.sink.Write(ctx, batch)
	l.metrics.RecordFlush(err)
	if err != nil {
		l.mu.Lock()
		space := ringCapacity - len(l.ring)
		if space > len(batch) {
			space = len(batch)
		}
		l.ring = append(batch[:space:space], l.ring...)
		l.mu.Unlock()
		slog.Error("audit: flush failed", "error", err, "batch", len(batch))
		return err
	}
	return nil
}

// Run flushes on the interval and on ring-full nudges until ctx ends, then
// performs a final drain.
func (l *Log) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = l.Flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			_ = l.Flush(ctx)
		case <-l.kick:
			_ = l.Flush(ctx)
		}
	}
}
