package stats

import (
	"context"
	"testing"
	"time"
)

func TestTrackerCounters(t *testing.T) {
	tr := NewTracker(nil, nil)

	tr.DocumentProcessed()
	tr.DocumentProcessed()
	tr.DocumentErrored()
	tr.MentionLinked(1, "person", "doc1")
	tr.MentionCreated(2, "location", "doc1")
	tr.MentionCreated(3, "person", "doc2")
	tr.MentionDeferred(1, "person", "doc2")
	tr.MentionInvalid()

	c := tr.Snapshot()
	if c.Documents != 2 {
		t.Errorf("documents = %d, want 2", c.Documents)
	}
	if c.Errored != 1 {
		t.Errorf("errored = %d, want 1", c.Errored)
	}
	if c.Linked != 1 || c.Created != 2 || c.Deferred != 1 || c.Invalid != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker(nil, nil)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				tr.MentionLinked(1, "person", "d")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if c := tr.Snapshot(); c.Linked != 8000 {
		t.Fatalf("linked = %d, want 8000", c.Linked)
	}
}

func TestEventPublisherCloseAfterCancel(t *testing.T) {
	// Close waits for the flush loop, so the loop's context must be
	// cancelled first: the command wiring cancels a dedicated publisher
	// context before Close.
	p := NewEventPublisher(nil, 10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	cancel()
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after publisher context cancellation")
	}
}

func TestReviewDecisionCounts(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.ReviewDecision("LINK_EXISTING", 1, 5)
	tr.ReviewDecision("CREATE_NEW", 2, 0)
	// review decisions are not fast-tier counters; the snapshot is
	// unchanged
	c := tr.Snapshot()
	if c.Linked != 0 || c.Created != 0 {
		t.Fatalf("review decisions leaked into fast-tier counts: %+v", c)
	}
}
