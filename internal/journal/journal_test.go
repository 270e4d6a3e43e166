package journal

import (
	"context"
	"testing"

	"sentinel/agent/internal/ledger"
)

func sampleSnapshot(count int) ledger.Snapshot {
	return ledger.Snapshot{
		Rules: []ledger.Rule{{ID: "r1", Name: "Spam", Color: "#ff0000", CreatedAt: 1000}},
		Users: map[string]ledger.MarkedUser{
			"alice": {
				Identity:      "alice",
				Rules:         map[string]ledger.ViolationEntry{"r1": {Count: count, FirstTimestamp: 100}},
				LastTimestamp: 200,
			},
		},
		Settings: ledger.DefaultSettings(),
	}
}

func TestJournalRecordAndHistory(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := svc.Record(context.Background(), sampleSnapshot(1)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := svc.Record(context.Background(), sampleSnapshot(2)); err != nil {
		t.Fatalf("Record second: %v", err)
	}

	history, err := svc.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// Two snapshots plus the init commit.
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Message != "Snapshot: 1 rules, 1 marked users" {
		t.Errorf("head message = %q", history[0].Message)
	}
}

func TestJournalSkipsUnchangedSnapshot(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := sampleSnapshot(1)
	if err := svc.Record(context.Background(), snap); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := svc.Record(context.Background(), snap); err != nil {
		t.Fatalf("Record duplicate: %v", err)
	}

	history, err := svc.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (duplicate snapshot must not commit)", len(history))
	}
}

func TestJournalHistoryLimit(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := svc.Record(context.Background(), sampleSnapshot(i)); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	history, err := svc.History(2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	// Negative limits read as "all", same as zero.
	history, err = svc.History(-1)
	if err != nil {
		t.Fatalf("History with negative limit: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4 (three snapshots plus init)", len(history))
	}
}

func TestJournalSnapshotAt(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Record(context.Background(), sampleSnapshot(1)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := svc.Record(context.Background(), sampleSnapshot(5)); err != nil {
		t.Fatalf("Record second: %v", err)
	}

	history, err := svc.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// history[1] is the first snapshot commit.
	snap, err := svc.SnapshotAt(history[1].Hash)
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if got := snap.Users["alice"].Rules["r1"].Count; got != 1 {
		t.Errorf("count at old commit = %d, want 1", got)
	}

	head, err := svc.SnapshotAt(history[0].Hash)
	if err != nil {
		t.Fatalf("SnapshotAt head: %v", err)
	}
	if got := head.Users["alice"].Rules["r1"].Count; got != 5 {
		t.Errorf("count at head = %d, want 5", got)
	}
}

func TestJournalReopenExistingRepo(t *testing.T) {
	dir := t.TempDir()
	svc, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Record(context.Background(), sampleSnapshot(1)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	history, err := reopened.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history after reopen = %d, want 2", len(history))
	}
}
