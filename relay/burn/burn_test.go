package burn

import (
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
)

func openTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return l
}

func TestRecordRelayAccumulates(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "burn.db"))
	defer l.Close()

	usdc := "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	if err := l.RecordRelay(usdc, uint256.NewInt(125_000), 5_000); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.RecordRelay(usdc, uint256.NewInt(75_000), 5_000); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.RecordRelay("OtherMint111111111111111111111111111111111", uint256.NewInt(9), 4_000); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTransactions != 3 {
		t.Fatalf("transactions = %d, want 3", stats.TotalTransactions)
	}
	if stats.TotalLamports != 14_000 {
		t.Fatalf("lamports = %d, want 14000", stats.TotalLamports)
	}
	if stats.TokensCollected[usdc] != "200000" {
		t.Fatalf("usdc total = %s, want 200000", stats.TokensCollected[usdc])
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burn.db")
	l := openTestLedger(t, path)
	if err := l.RecordRelay("mint", uint256.NewInt(1), 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestLedger(t, path)
	defer reopened.Close()
	stats, err := reopened.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTransactions != 1 || stats.TotalLamports != 100 {
		t.Fatalf("totals lost across reopen: %+v", stats)
	}
}

func TestZeroAmountSkipsTokenEntry(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "burn.db"))
	defer l.Close()
	if err := l.RecordRelay("mint", uint256.NewInt(0), 50); err != nil {
		t.Fatalf("record: %v", err)
	}
	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats.TokensCollected) != 0 {
		t.Fatalf("tokens = %v, want empty", stats.TokensCollected)
	}
	if stats.TotalTransactions != 1 {
		t.Fatalf("transactions = %d, want 1", stats.TotalTransactions)
	}
}
