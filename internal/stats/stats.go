// Package stats records resolution outcomes and throughput. It reports
// progress periodically (never per item; the corpus is far too large for
// that), drives the Prometheus collectors, watches for stalls, and
// optionally publishes resolution events to Kafka.
package stats

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/corpusworks/entity-resolver/pkg/metrics"
)

// Counts is a point-in-time copy of the tracker's counters.
type Counts struct {
	Documents int64
	Linked    int64
	Created   int64
	Deferred  int64
	Invalid   int64
	Errored   int64
}

// Tracker accumulates pipeline counters. All methods are safe for
// concurrent use; the metrics handle and publisher may be nil.
type Tracker struct {
	documents atomic.Int64
	linked    atomic.Int64
	created   atomic.Int64
	deferred  atomic.Int64
	invalid   atomic.Int64
	errored   atomic.Int64

	lastProgress atomic.Int64 // unix nanos of the last counted document

	metrics   *metrics.Metrics
	publisher *EventPublisher
	logger    *slog.Logger
}

// NewTracker creates a Tracker. metrics and publisher are optional.
func NewTracker(m *metrics.Metrics, publisher *EventPublisher) *Tracker {
	t := &Tracker{
		metrics:   m,
		publisher: publisher,
		logger:    slog.Default().With("component", "stats"),
	}
	t.lastProgress.Store(time.Now().UnixNano())
	return t
}

// DocumentProcessed counts one corpus document and refreshes the stall clock.
func (t *Tracker) DocumentProcessed() {
	t.documents.Add(1)
	t.lastProgress.Store(time.Now().UnixNano())
	if t.metrics != nil {
		t.metrics.DocumentsTotal.WithLabelValues("ok").Inc()
	}
}

// DocumentErrored counts a document that failed to parse.
func (t *Tracker) DocumentErrored() {
	t.errored.Add(1)
	if t.metrics != nil {
		t.metrics.DocumentsTotal.WithLabelValues("error").Inc()
	}
}

// MentionLinked counts a fast-tier exact match.
func (t *Tracker) MentionLinked(entityID int64, entityType, source string) {
	t.linked.Add(1)
	if t.metrics != nil {
		t.metrics.MentionsTotal.WithLabelValues("linked").Inc()
	}
	if t.publisher != nil {
		t.publisher.Publish(ResolutionEvent{Kind: "linked", EntityID: entityID, EntityType: entityType, Source: source})
	}
}

// MentionCreated counts a fast-tier new entity.
func (t *Tracker) MentionCreated(entityID int64, entityType, source string) {
	t.created.Add(1)
	if t.metrics != nil {
		t.metrics.MentionsTotal.WithLabelValues("created").Inc()
	}
	if t.publisher != nil {
		t.publisher.Publish(ResolutionEvent{Kind: "created", EntityID: entityID, EntityType: entityType, Source: source})
	}
}

// MentionDeferred counts a mention handed to the pending queue.
func (t *Tracker) MentionDeferred(pendingID int64, entityType, source string) {
	t.deferred.Add(1)
	if t.metrics != nil {
		t.metrics.MentionsTotal.WithLabelValues("deferred").Inc()
	}
	if t.publisher != nil {
		t.publisher.Publish(ResolutionEvent{Kind: "deferred", PendingID: pendingID, EntityType: entityType, Source: source})
	}
}

// MentionInvalid counts a malformed mention (empty text, unknown type).
// Input errors are counted, never fatal.
func (t *Tracker) MentionInvalid() {
	t.invalid.Add(1)
	if t.metrics != nil {
		t.metrics.MentionsTotal.WithLabelValues("invalid").Inc()
	}
}

// ReviewDecision counts a review-tier verdict.
func (t *Tracker) ReviewDecision(kind string, pendingID, entityID int64) {
	if t.metrics != nil {
		t.metrics.DecisionsTotal.WithLabelValues(kind).Inc()
	}
	if t.publisher != nil {
		t.publisher.Publish(ResolutionEvent{Kind: "review_" + kind, PendingID: pendingID, EntityID: entityID})
	}
}

// Snapshot returns a copy of all counters.
func (t *Tracker) Snapshot() Counts {
	return Counts{
		Documents: t.documents.Load(),
		Linked:    t.linked.Load(),
		Created:   t.created.Load(),
		Deferred:  t.deferred.Load(),
		Invalid:   t.invalid.Load(),
		Errored:   t.errored.Load(),
	}
}

// StartProgressLoop logs a progress summary every interval and flags a
// stall when no document completed for stallTimeout. A stall is an
// operational fault to surface, not a reason to kill the run. total may be
// zero when the corpus size is not known yet.
func (t *Tracker) StartProgressLoop(ctx context.Context, interval, stallTimeout time.Duration, total func() int) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.report(stallTimeout, total())
			}
		}
	}()
}

func (t *Tracker) report(stallTimeout time.Duration, total int) {
	c := t.Snapshot()
	attrs := []any{
		"documents", c.Documents,
		"linked", c.Linked,
		"created", c.Created,
		"deferred", c.Deferred,
		"invalid", c.Invalid,
		"errored", c.Errored,
	}
	if total > 0 {
		pct := float64(c.Documents) / float64(total) * 100
		attrs = append(attrs, "total", total, "percent", int(pct))
	}
	idle := time.Since(time.Unix(0, t.lastProgress.Load()))
	if stallTimeout > 0 && idle >= stallTimeout {
		if t.metrics != nil {
			t.metrics.StalledSince.Set(idle.Seconds())
		}
		t.logger.Error("no progress detected", append(attrs, "idle", idle.Round(time.Second))...)
		return
	}
	if t.metrics != nil {
		t.metrics.StalledSince.Set(0)
	}
	t.logger.Info("progress", attrs...)
}
