package decision

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndLoad(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "decisions.jsonl"))

	records := []Decision{
		{PendingID: 1, Outcome: OutcomeLinkExisting, LinkedID: 42, Confidence: 0.9},
		{PendingID: 2, Outcome: OutcomeCreateNew, Confidence: 0.9},
		{PendingID: 3, Outcome: OutcomePending, Confidence: 0.05},
	}
	for _, d := range records {
		if err := l.Append(d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	decisions, order, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("loaded %d decisions, want 3", len(decisions))
	}
	if decisions[1].LinkedID != 42 {
		t.Errorf("linked id lost: %+v", decisions[1])
	}
	if decisions[1].DecidedAt.IsZero() {
		t.Error("DecidedAt should be filled in on append")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestLastWriteWins(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "decisions.jsonl"))

	must := func(d Decision) {
		t.Helper()
		if err := l.Append(d); err != nil {
			t.Fatal(err)
		}
	}
	must(Decision{PendingID: 7, Outcome: OutcomePending, Confidence: 0.05})
	must(Decision{PendingID: 9, Outcome: OutcomeCreateNew, Confidence: 0.9})
	must(Decision{PendingID: 7, Outcome: OutcomeLinkExisting, LinkedID: 3, Confidence: 0.9})

	decisions, order, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got := decisions[7]; got.Outcome != OutcomeLinkExisting || got.LinkedID != 3 {
		t.Fatalf("latest record must win: %+v", got)
	}
	// order reflects the FIRST record per id, so a re-review does not
	// reshuffle replay order
	if len(order) != 2 || order[0] != 7 || order[1] != 9 {
		t.Fatalf("order = %v, want [7 9]", order)
	}
}

func TestLoadMissingFile(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "decisions.jsonl"))
	decisions, order, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 0 || order != nil {
		t.Fatalf("empty log should load empty: %v %v", decisions, order)
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	if err := os.WriteFile(path, []byte("{broken\n"), 0644); err != nil {
		t.Fatal(err)
	}
	l := Open(path)
	if _, _, err := l.Load(); err == nil {
		t.Fatal("corrupt log should fail to load")
	}
}

func TestResolvedAndDecided(t *testing.T) {
	decisions := map[int64]Decision{
		1: {PendingID: 1, Outcome: OutcomeLinkExisting, LinkedID: 2},
		2: {PendingID: 2, Outcome: OutcomePending},
		3: {PendingID: 3, Outcome: OutcomeCreateNew},
	}
	resolved := Resolved(decisions)
	if len(resolved) != 2 {
		t.Fatalf("resolved = %v, want ids 1 and 3", resolved)
	}
	if _, ok := resolved[2]; ok {
		t.Fatal("PENDING must not count as resolved")
	}
	decided := Decided(decisions)
	if len(decided) != 3 {
		t.Fatalf("decided = %v, want all three ids", decided)
	}
}

func TestAppendDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	l := Open(path)
	if err := l.Append(Decision{PendingID: 1, Outcome: OutcomeCreateNew, DecidedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	// a second handle over the same file sees the record immediately
	decisions, _, err := Open(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 1 {
		t.Fatalf("second handle sees %d records, want 1", len(decisions))
	}
}
