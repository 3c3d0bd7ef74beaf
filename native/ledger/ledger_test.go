package ledger

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestStartSessionDuplicateFails(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.StartSession("s1", "web4:soft:admin:a", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := l.StartSession("s1", "web4:soft:admin:a", "", nil)
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if err := l.EnsureSession("s1", "web4:soft:admin:a", "", nil); err != nil {
		t.Fatalf("ensure should tolerate existing session: %v", err)
	}
}

func TestRecordAuditChain(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.StartSession("s1", "web4:soft:admin:a", "proj", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := l.RecordAudit("s1", "commit", "hardbound", "file.go", "", "", "ok",
			map[string]any{"i": i}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	records, err := l.SessionAuditTrail("s1")
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if records[0].PreviousHash != "genesis" {
		t.Fatalf("record 0 should link to genesis, got %q", records[0].PreviousHash)
	}
	for i := 1; i < len(records); i++ {
		if records[i].PreviousHash != records[i-1].Hash {
			t.Fatalf("chain broken at %d", i)
		}
		if records[i].Sequence != records[i-1].Sequence+1 {
			t.Fatalf("sequence gap at %d", i)
		}
	}

	ok, detail, err := l.VerifyAuditChain("s1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("chain should verify: %s", detail)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.StartSession("s1", "web4:soft:admin:a", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.RecordAudit("s1", "write", "hardbound", "", "", "", "ok", nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if _, err := l.DB().Exec(
		"UPDATE audits SET action_type = 'forged' WHERE session_id = 's1' AND sequence = 1",
	); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	ok, detail, err := l.VerifyAuditChain("s1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("tampered chain must not verify")
	}
	if detail == "" {
		t.Fatalf("expected a detail message")
	}
}

func TestConsumeATP(t *testing.T) {
	l := openTestLedger(t)
	budget := 10.0
	if _, err := l.StartSession("s1", "web4:soft:dev:d", "", &budget); err != nil {
		t.Fatalf("start: %v", err)
	}

	remaining, err := l.ConsumeATP("s1", 4)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if remaining != 6 {
		t.Fatalf("expected 6 remaining, got %v", remaining)
	}

	if _, err := l.ConsumeATP("s1", 7); !errors.Is(err, ErrInsufficientATP) {
		t.Fatalf("expected ErrInsufficientATP, got %v", err)
	}

	// The failed consume must not have debited anything.
	session, err := l.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.ATPConsumed != 4 {
		t.Fatalf("failed consume should not debit, consumed=%v", session.ATPConsumed)
	}

	// Unbounded session.
	if _, err := l.StartSession("admin", "web4:soft:admin:a", "", nil); err != nil {
		t.Fatalf("start admin: %v", err)
	}
	if remaining, err := l.ConsumeATP("admin", 1000); err != nil || remaining != -1 {
		t.Fatalf("unbounded session should always allow: remaining=%v err=%v", remaining, err)
	}
}

func TestConcurrentWritersSerialize(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.StartSession("s1", "web4:soft:admin:a", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := l.RecordAudit("s1", "write", "hardbound", "", "", "", "ok", nil); err != nil {
					t.Errorf("record: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	ok, detail, err := l.VerifyAuditChain("s1")
	if err != nil || !ok {
		t.Fatalf("concurrent chain should verify: %v %s", err, detail)
	}
	records, _ := l.SessionAuditTrail("s1")
	if len(records) != 40 {
		t.Fatalf("expected 40 records, got %d", len(records))
	}
}

func TestSetNowFuncControlsTimestamps(t *testing.T) {
	l := openTestLedger(t)
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return fixed })
	if _, err := l.StartSession("s1", "web4:soft:admin:a", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, err := l.RecordAudit("s1", "write", "hardbound", "", "", "", "ok", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp: %s", rec.Timestamp)
	}
}
