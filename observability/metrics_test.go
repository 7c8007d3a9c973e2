package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherCounter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	have := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		have[pair.GetName()] = pair.GetValue()
	}
	for k, v := range labels {
		if have[k] != v {
			return false
		}
	}
	return true
}

func TestRelayObserveRecordsErrorCode(t *testing.T) {
	m := Relay()
	before := gatherCounter(t, "gasrelay_relay_errors_total", map[string]string{
		"operation": "submit", "code": "SIMULATION_FAILED",
	})
	m.Observe("submit", 25*time.Millisecond, "SIMULATION_FAILED")
	after := gatherCounter(t, "gasrelay_relay_errors_total", map[string]string{
		"operation": "submit", "code": "SIMULATION_FAILED",
	})
	if after != before+1 {
		t.Fatalf("error counter = %v, want %v", after, before+1)
	}
}

func TestChainObserveCallOutcomes(t *testing.T) {
	m := Chain()
	m.ObserveCall("primary", "sendTransaction", "ok", 10*time.Millisecond)
	m.ObserveCall("primary", "sendTransaction", "error", 10*time.Millisecond)
	success := gatherCounter(t, "gasrelay_chain_calls_total", map[string]string{
		"endpoint": "primary", "method": "sendTransaction", "outcome": "ok",
	})
	failure := gatherCounter(t, "gasrelay_chain_calls_total", map[string]string{
		"endpoint": "primary", "method": "sendTransaction", "outcome": "error",
	})
	if success < 1 || failure < 1 {
		t.Fatalf("expected both outcomes recorded, got success=%v error=%v", success, failure)
	}
}
