package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/corpusworks/entity-resolver/internal/checkpoint"
	"github.com/corpusworks/entity-resolver/internal/decision"
	"github.com/corpusworks/entity-resolver/internal/export"
	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/registry"
	"github.com/corpusworks/entity-resolver/internal/stats"
	"github.com/corpusworks/entity-resolver/pkg/config"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
	"github.com/corpusworks/entity-resolver/pkg/logger"
	"github.com/corpusworks/entity-resolver/pkg/metrics"
	"github.com/corpusworks/entity-resolver/pkg/resilience"
)

const (
	// terminalConfidence is recorded for LINK_EXISTING and CREATE_NEW
	// verdicts; pendingConfidence marks items the reviewer gave up on for
	// this session.
	terminalConfidence = 0.9
	pendingConfidence  = 0.05
)

// Reviewer drains the pending queue against the remote reasoning service.
// It coordinates with the fast tier purely through the checkpoint files:
// a checkpoint mtime change (or a poll tick) triggers a snapshot reload
// and a new drain pass.
type Reviewer struct {
	cfg      config.Config
	store    *checkpoint.Store
	queue    *pending.Queue
	log      *decision.Log
	client   *Client
	cache    verdictCache
	breaker  *resilience.CircuitBreaker
	limiter  *rate.Limiter
	sf       singleflight.Group
	tracker  *stats.Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	view      *registry.Registry
	snapMtime time.Time
	complete  bool

	// attempted holds pending ids this session already tried and left
	// PENDING, so a drain pass does not hot-loop on them. A restart clears
	// the set, which is how PENDING items become eligible again.
	attempted map[int64]struct{}
}

// NewReviewer wires a Reviewer from config.
func NewReviewer(cfg config.Config, store *checkpoint.Store, queue *pending.Queue, log *decision.Log, client *Client, cache *DecisionCache, tracker *stats.Tracker, m *metrics.Metrics) *Reviewer {
	if cfg.Review.CallsPerSecond <= 0 {
		cfg.Review.CallsPerSecond = 2
	}
	if cfg.Review.PollInterval <= 0 {
		cfg.Review.PollInterval = 10 * time.Second
	}
	r := &Reviewer{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		log:       log,
		client:    client,
		cache:     cache,
		tracker:   tracker,
		metrics:   m,
		logger:    logger.WithComponent("reviewer"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.Review.CallsPerSecond), 1),
		attempted: make(map[int64]struct{}),
	}
	r.breaker = resilience.NewCircuitBreaker("review-service", resilience.CircuitBreakerConfig{
		OnStateChange: func(s resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues("review-service").Set(float64(s))
			}
		},
	})
	return r
}

// Run executes the review loop until the corpus is fully resolved, the
// context is cancelled, or a fatal fault occurs. It is safe to start before
// the fast tier has written its first checkpoint.
func (r *Reviewer) Run(ctx context.Context) error {
	if err := r.waitForSnapshot(ctx); err != nil {
		return err
	}

	events, closeWatcher := r.watchCheckpoints()
	defer closeWatcher()

	ticker := time.NewTicker(r.cfg.Review.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.reloadIfChanged(); err != nil {
			return err
		}
		progress, outstanding, err := r.drain(ctx)
		if err != nil {
			return err
		}

		done, err := r.checkTermination(progress, outstanding)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
			coalesce(events)
		case <-ticker.C:
		}
	}
}

// coalesce empties any queued wake-up notifications so one reload covers a
// burst of checkpoint writes.
func coalesce(events <-chan struct{}) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// waitForSnapshot blocks until the fast tier has written at least one
// checkpoint.
func (r *Reviewer) waitForSnapshot(ctx context.Context) error {
	for {
		_, err := r.store.Load()
		if err == nil {
			return nil
		}
		if !errors.Is(err, pkgerrors.ErrSnapshotNotFound) {
			return err
		}
		r.logger.Info("waiting for first checkpoint", "dir", r.cfg.Checkpoint.Dir)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.Review.PollInterval):
		}
	}
}

// watchCheckpoints sets up an fsnotify watcher over the checkpoint
// directory. The poll ticker remains the fallback, so a watch failure only
// costs latency.
func (r *Reviewer) watchCheckpoints() (<-chan struct{}, func()) {
	events := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("checkpoint watch unavailable, polling only", "error", err)
		return events, func() {}
	}
	if err := watcher.Add(r.cfg.Checkpoint.Dir); err != nil {
		r.logger.Warn("checkpoint watch unavailable, polling only", "dir", r.cfg.Checkpoint.Dir, "error", err)
		watcher.Close()
		return events, func() {}
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					select {
					case events <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("checkpoint watch error", "error", err)
			}
		}
	}()
	return events, func() { watcher.Close() }
}

// reloadIfChanged rebuilds the in-memory view when the snapshot file has
// been replaced since the last load. The view is the snapshot's registry
// with every terminal decision so far replayed onto it.
func (r *Reviewer) reloadIfChanged() error {
	mtime := r.store.ModTime()
	r.mu.Lock()
	current := r.snapMtime
	r.mu.Unlock()
	if !mtime.After(current) {
		return nil
	}

	snap, err := r.store.Load()
	if err != nil {
		return err
	}
	decisions, order, err := r.log.Load()
	if err != nil {
		return err
	}
	view, err := export.Compose(snap, r.queue.Path(), decisions, order)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.view = view
	r.snapMtime = mtime
	r.complete = snap.CorpusComplete
	r.mu.Unlock()

	r.logger.Info("checkpoint reloaded",
		"entities", view.Len(),
		"pending_durable", snap.PendingFileCount,
		"corpus_complete", snap.CorpusComplete)
	return nil
}

// drain makes one pass over the undecided pending items, reviewing them with
// bounded parallelism and a global call-rate cap. It returns the number of
// terminal decisions made and the number of items that remain unresolved.
func (r *Reviewer) drain(ctx context.Context) (progress int64, outstanding int64, err error) {
	decisions, _, err := r.log.Load()
	if err != nil {
		return 0, 0, err
	}
	skip := decision.Resolved(decisions)
	r.mu.Lock()
	for id := range r.attempted {
		skip[id] = struct{}{}
	}
	r.mu.Unlock()

	it, err := r.queue.IterUnprocessed(skip, r.cfg.Review.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	var decided, deferred, transientFails int64
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Review.Parallelism)
		for _, item := range batch {
			item := item
			g.Go(func() error {
				terminal, transient, err := r.reviewItem(gctx, item)
				if err != nil {
					return err
				}
				if terminal {
					atomic.AddInt64(&decided, 1)
				} else {
					atomic.AddInt64(&deferred, 1)
				}
				if transient {
					atomic.AddInt64(&transientFails, 1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return decided, deferred, err
		}
	}

	// Every attempt failing on transport with the breaker open means the
	// remote service is down, not that the items are hard. That is fatal:
	// restarting with a reachable service loses nothing.
	attempts := decided + deferred
	if attempts > 0 && decided == 0 && transientFails == attempts &&
		r.breaker.GetState() == resilience.StateOpen {
		return decided, deferred, pkgerrors.New(pkgerrors.KindTransient, "review.drain",
			pkgerrors.ErrReviewUnavailable)
	}

	if attempts > 0 {
		r.logger.Info("drain pass finished", "decided", decided, "still_pending", deferred)
	}
	return decided, deferred, nil
}

// reviewItem resolves one pending item: cache, then remote call behind the
// rate limiter, retry loop, and circuit breaker. Exhausted retries and
// unparseable replies downgrade to a PENDING record rather than failing the
// drain; only durability faults propagate.
func (r *Reviewer) reviewItem(ctx context.Context, item pending.Item) (terminal, transient bool, err error) {
	key := CacheKey(item)
	if verdict, ok := r.cache.Get(ctx, key); ok {
		if r.metrics != nil {
			r.metrics.ReviewCallsTotal.WithLabelValues("cache_hit").Inc()
		}
		return true, false, r.record(item, verdict)
	}

	// Only remote calls spend rate budget; cache hits are free.
	if err := r.limiter.Wait(ctx); err != nil {
		return false, false, err
	}

	// Identical questions in flight at the same time share one remote call.
	v, callErr, _ := r.sf.Do(key, func() (any, error) {
		return r.callRemote(ctx, item)
	})

	if callErr != nil {
		if pkgerrors.IsFatal(callErr) {
			return false, false, callErr
		}
		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			return false, false, callErr
		}
		transient = pkgerrors.KindOf(callErr) == pkgerrors.KindTransient ||
			errors.Is(callErr, resilience.ErrCircuitOpen)
		r.logger.Warn("review failed, leaving item pending",
			"pending_id", item.ID, "text", item.Text, "error", callErr)
		return false, transient, r.recordPending(item)
	}

	verdict := v.(Verdict)
	r.cache.Put(ctx, key, verdict)
	return true, false, r.record(item, verdict)
}

// callRemote performs the rate-limited, retried, breaker-guarded call.
func (r *Reviewer) callRemote(ctx context.Context, item pending.Item) (Verdict, error) {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  r.cfg.Review.MaxAttempts,
		InitialDelay: r.cfg.Review.InitialBackoff,
		Retryable: func(err error) bool {
			k := pkgerrors.KindOf(err)
			return k == pkgerrors.KindTransient || k == pkgerrors.KindParse
		},
	}
	var verdict Verdict
	start := time.Now()
	err := resilience.Retry(ctx, "review-call", retryCfg, func(ctx context.Context) error {
		return r.breaker.Execute(func() error {
			v, err := r.client.Review(ctx, item)
			if err != nil {
				return err
			}
			verdict = v
			return nil
		})
	})
	if r.metrics != nil {
		r.metrics.ReviewLatency.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		r.metrics.ReviewCallsTotal.WithLabelValues(result).Inc()
	}
	return verdict, err
}

// record durably appends a terminal decision and applies it to the live
// view so later log output reflects it.
func (r *Reviewer) record(item pending.Item, verdict Verdict) error {
	d := decision.Decision{
		PendingID:  item.ID,
		Confidence: terminalConfidence,
		DecidedAt:  time.Now().UTC(),
	}
	switch vt := verdict.(type) {
	case LinkExisting:
		d.Outcome = decision.OutcomeLinkExisting
		d.LinkedID = vt.ID
	case CreateNew:
		d.Outcome = decision.OutcomeCreateNew
	default:
		return pkgerrors.Newf(pkgerrors.KindDurability, "review.record",
			"pending id %d: verdict %T is not terminal", item.ID, verdict)
	}
	if err := r.log.Append(d); err != nil {
		return err
	}

	r.mu.Lock()
	if r.view != nil {
		switch d.Outcome {
		case decision.OutcomeLinkExisting:
			if err := r.view.ApplyLink(d.LinkedID, item.Text, item.Context, item.Source); err != nil {
				r.logger.Warn("link target missing from view, deferring to replay",
					"pending_id", item.ID, "linked_id", d.LinkedID)
			}
		case decision.OutcomeCreateNew:
			r.view.AddOrUpdate(item.Text, item.Type, item.Context, item.Source)
		}
	}
	r.mu.Unlock()

	if r.tracker != nil {
		r.tracker.ReviewDecision(string(d.Outcome), item.ID, d.LinkedID)
	}
	r.logger.Info("item decided",
		"pending_id", item.ID,
		"text", item.Text,
		"outcome", d.Outcome,
		"linked_id", d.LinkedID)
	return nil
}

// recordPending marks an item undecidable for this session. The record
// keeps the outcome auditable; a future run retries the item.
func (r *Reviewer) recordPending(item pending.Item) error {
	err := r.log.Append(decision.Decision{
		PendingID:  item.ID,
		Outcome:    decision.OutcomePending,
		Confidence: pendingConfidence,
		DecidedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.attempted[item.ID] = struct{}{}
	r.mu.Unlock()
	if r.tracker != nil {
		r.tracker.ReviewDecision(string(decision.OutcomePending), item.ID, 0)
	}
	return nil
}

// checkTermination decides whether the reviewer is finished. The reviewer
// only exits on its own once the fast tier has marked the corpus complete:
// either everything is resolved, or the remaining items cannot make progress
// this session.
func (r *Reviewer) checkTermination(progress, outstanding int64) (bool, error) {
	r.mu.Lock()
	complete := r.complete
	r.mu.Unlock()
	if !complete {
		return false, nil
	}

	decisions, _, err := r.log.Load()
	if err != nil {
		return false, err
	}
	snap, err := r.store.Load()
	if err != nil {
		return false, err
	}
	unresolved := snap.PendingFileCount - int64(len(decision.Resolved(decisions)))
	if unresolved <= 0 {
		r.logger.Info("corpus fully resolved", "decisions", len(decisions))
		return true, nil
	}
	if progress == 0 && outstanding == 0 {
		// Corpus is complete and every remaining item was already attempted
		// this session. Nothing left to do until a restart.
		r.logger.Warn("exiting with unresolved items", "unresolved", unresolved)
		return true, nil
	}
	return false, nil
}
