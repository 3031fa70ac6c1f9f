package pending

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/corpusworks/entity-resolver/internal/registry"
)

func testItem(text string) Item {
	return Item{
		Text: text,
		Type: registry.TypePerson,
		Candidates: []registry.Candidate{
			{ID: 1, NormalizedText: "abraham lincoln", Score: 0.8},
		},
		Source: "doc1.jsonl",
	}
}

func TestAppendAssignsOrdinals(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "pending.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		id := q.Append(testItem(fmt.Sprintf("mention %d", i)))
		if id != int64(i) {
			t.Fatalf("append %d assigned id %d", i, id)
		}
	}
	if q.FileCount() != 0 {
		t.Fatalf("nothing flushed yet, file count = %d", q.FileCount())
	}
	if q.BufferCount() != 3 {
		t.Fatalf("buffer count = %d, want 3", q.BufferCount())
	}
	if q.Len() != 3 {
		t.Fatalf("logical length = %d, want 3", q.Len())
	}
}

func TestFlushMakesDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	q, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	q.Append(testItem("a"))
	q.Append(testItem("b"))
	if err := q.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if q.FileCount() != 2 || q.BufferCount() != 0 {
		t.Fatalf("after flush: file=%d buffer=%d", q.FileCount(), q.BufferCount())
	}

	// ordinals continue across the flush boundary
	if id := q.Append(testItem("c")); id != 3 {
		t.Fatalf("post-flush append assigned id %d, want 3", id)
	}

	// a reopened queue counts only durable records
	q2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if q2.FileCount() != 2 {
		t.Fatalf("reopened file count = %d, want 2", q2.FileCount())
	}
	if id := q2.Append(testItem("c")); id != 3 {
		t.Fatalf("reopened queue assigned id %d, want 3", id)
	}
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	q, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("empty flush should not create the log file")
	}
}

func TestIterUnprocessedBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	q, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		q.Append(testItem(fmt.Sprintf("mention %d", i)))
	}
	if err := q.Flush(); err != nil {
		t.Fatal(err)
	}

	decided := make(map[int64]struct{})
	for id := int64(1); id <= 30; id++ {
		decided[id] = struct{}{}
	}

	it, err := q.IterUnprocessed(decided, 20)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var batches int
	var total int
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if len(batch) > 20 {
			t.Fatalf("batch of %d exceeds size 20", len(batch))
		}
		for _, item := range batch {
			if _, ok := decided[item.ID]; ok {
				t.Fatalf("decided item %d yielded", item.ID)
			}
		}
		batches++
		total += len(batch)
	}
	if total != 70 {
		t.Fatalf("yielded %d items, want 70", total)
	}
	if batches != 4 {
		t.Fatalf("yielded %d batches, want 4 (3 full + 1 of 10)", batches)
	}
}

func TestIterMissingFile(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "pending.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	it, err := q.IterUnprocessed(nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("expected EOF on missing log, got %v", err)
	}
}

func TestIterCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	q, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	it, err := q.IterUnprocessed(nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(); err == nil || err == io.EOF {
		t.Fatalf("corrupt record should fail iteration, got %v", err)
	}
}

func TestLoadItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	q, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		q.Append(testItem(fmt.Sprintf("mention %d", i)))
	}
	if err := q.Flush(); err != nil {
		t.Fatal(err)
	}

	want := map[int64]struct{}{2: {}, 7: {}}
	items, err := LoadItems(path, want)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("loaded %d items, want 2", len(items))
	}
	if items[2].Text != "mention 1" || items[7].Text != "mention 6" {
		t.Fatalf("wrong items loaded: %+v", items)
	}
}

func TestLoadItemsMissingFile(t *testing.T) {
	items, err := LoadItems(filepath.Join(t.TempDir(), "none.jsonl"), map[int64]struct{}{1: {}})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty result, got %v", items)
	}
}
