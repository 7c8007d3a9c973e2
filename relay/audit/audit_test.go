package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
	fail    bool
}

func (s *captureSink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	batch := append([]Event(nil), events...)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestFlushWritesBufferedEvents(t *testing.T) {
	sink := &captureSink{}
	l := NewLog(sink)
	for i := 0; i < 5; i++ {
		l.Record(NewEvent(TypeQuoteIssued, "FzQ4Yt7L9XkT1uVbW2mC3d", "1.2.3.4", "q1"))
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sink.total() != 5 {
		t.Fatalf("sink received %d events, want 5", sink.total())
	}
	// Nothing left after a flush.
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(sink.batches))
	}
}

func TestRingDropsWhenFull(t *testing.T) {
	sink := &captureSink{}
	l := NewLog(sink)
	for i := 0; i < ringCapacity+7; i++ {
		l.Record(Event{Type: TypeSubmitReceived, At: time.Now()})
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sink.total() != ringCapacity {
		t.Fatalf("sink received %d events, want %d", sink.total(), ringCapacity)
	}
}

func TestFlushFailureRequeues(t *testing.T) {
	sink := &captureSink{fail: true}
	l := NewLog(sink)
	l.Record(NewEvent(TypeSubmitSent, "wallet", "1.2.3.4", "q1"))
	if err := l.Flush(context.Background()); err == nil {
		t.Fatal("flush against dead sink succeeded")
	}
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if sink.total() != 1 {
		t.Fatalf("sink received %d events, want the requeued one", sink.total())
	}
}

func TestEventTruncatesWallet(t *testing.T) {
	wallet := "FzQ4Yt7L9XkT1uVbW2mC3dE5fG6hJ8kL9mN1pQ2rS3tU"
	ip := "2001:db8:85a3:8d3:1319:8a2e:370:7348"
	event := NewEvent(TypeQuoteIssued, wallet, ip, "")
	if len(event.Wallet) > 15 {
		t.Fatalf("wallet %q not truncated", event.Wallet)
	}
	if event.Wallet == wallet {
		t.Fatal("full wallet recorded")
	}
	if len(event.IP) > 15 {
		t.Fatalf("ip %q not truncated", event.IP)
	}
	if event.IP == ip {
		t.Fatal("full ip recorded")
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(dsn)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	events := []Event{
		NewEvent(TypeSubmitSent, "wallet1", "1.2.3.4", "q1").WithDetail("signature", "sig1"),
		NewEvent(TypeSubmitRejected, "wallet2", "1.2.3.4", "q2").WithDetail("code", "QUOTE_EXPIRED"),
		NewEvent(TypeSubmitSent, "wallet3", "5.6.7.8", "q3"),
	}
	if err := sink.Write(context.Background(), events); err != nil {
		t.Fatalf("write: %v", err)
	}
	sent, err := sink.CountByType(context.Background(), TypeSubmitSent)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if sent != 2 {
		t.Fatalf("submit_sent count = %d, want 2", sent)
	}
}
