package fasttier

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/corpusworks/entity-resolver/internal/checkpoint"
	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/registry"
	"github.com/corpusworks/entity-resolver/internal/stats"
	"github.com/corpusworks/entity-resolver/pkg/config"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
	"github.com/corpusworks/entity-resolver/pkg/logger"
	"github.com/corpusworks/entity-resolver/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Worker drives the fast classification tier: a parser pool reads mention
// files concurrently while a single resolver goroutine owns every registry
// mutation, preserving the one-writer discipline the exact-key invariant
// requires.
type Worker struct {
	cfg     *config.Config
	reg     *registry.Registry
	queue   *pending.Queue
	store   *checkpoint.Store
	tracker *stats.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger

	processed map[string]struct{}
}

// docResult carries one parsed document from the parser pool to the
// resolver.
type docResult struct {
	path     string
	mentions []Mention
	err      error
}

// New creates a fast-tier Worker. metrics may be nil.
func New(cfg *config.Config, reg *registry.Registry, queue *pending.Queue, store *checkpoint.Store, tracker *stats.Tracker, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:       cfg,
		reg:       reg,
		queue:     queue,
		store:     store,
		tracker:   tracker,
		metrics:   m,
		logger:    slog.Default().With("component", "fast-tier"),
		processed: make(map[string]struct{}),
	}
}

// Run processes the corpus once, resuming from the last checkpoint. It
// returns nil when the walk completes or the context is cancelled after a
// clean final checkpoint; durability errors are fatal and returned as-is.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.resume(); err != nil {
		return err
	}

	files, err := ListCorpus(w.cfg.Corpus.Dir, w.cfg.Corpus.Extension)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "fasttier.walk", err)
	}
	total := len(files)
	if err := w.store.SaveCorpusCount(total); err != nil {
		w.logger.Warn("could not cache corpus file count", "error", err)
	}

	todo := make([]string, 0, total)
	for _, f := range files {
		if _, done := w.processed[f]; !done {
			todo = append(todo, f)
		}
	}
	w.logger.Info("corpus walk ready",
		"total_files", total,
		"already_processed", total-len(todo),
		"to_process", len(todo),
	)

	w.tracker.StartProgressLoop(ctx, w.cfg.FastTier.ProgressInterval, w.cfg.FastTier.StallTimeout, func() int { return total })

	workers := w.cfg.FastTier.Workers
	if workers <= 0 {
		workers = 1
	}

	parseCtx, cancelParsers := context.WithCancel(ctx)
	defer cancelParsers()

	jobs := make(chan string)
	results := make(chan docResult, workers)

	pg, pctx := errgroup.WithContext(parseCtx)
	pg.Go(func() error {
		defer close(jobs)
		for _, f := range todo {
			select {
			case jobs <- f:
			case <-pctx.Done():
				return pctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < workers; i++ {
		pg.Go(func() error {
			for path := range jobs {
				mentions, err := ReadDocument(w.absPath(path))
				select {
				case results <- docResult{path: path, mentions: mentions, err: err}:
				case <-pctx.Done():
					return pctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		pg.Wait() //nolint:errcheck // parser failures surface via context or results
		close(results)
	}()

	if err := w.resolve(ctx, results, cancelParsers); err != nil {
		return err
	}

	complete := ctx.Err() == nil && len(w.processed) >= total
	if err := w.saveCheckpoint(complete); err != nil {
		return err
	}
	c := w.tracker.Snapshot()
	w.logger.Info("fast tier finished",
		"complete", complete,
		"documents", c.Documents,
		"linked", c.Linked,
		"created", c.Created,
		"deferred", c.Deferred,
		"invalid", c.Invalid,
		"errored", c.Errored,
		"entities", w.reg.Len(),
	)
	return nil
}

// resume loads the last snapshot, if any, and rebuilds in-memory state.
func (w *Worker) resume() error {
	snap, err := w.store.Load()
	if err != nil {
		if errors.Is(err, pkgerrors.ErrSnapshotNotFound) {
			w.logger.Info("no checkpoint found, starting fresh")
			return nil
		}
		return err
	}
	w.reg.Restore(snap.Entities, snap.NextID)
	w.processed = snap.ProcessedSet()
	if durable := w.queue.FileCount(); durable != snap.PendingFileCount {
		// The queue log may be ahead of the snapshot if the crash hit
		// between flush and snapshot write. Ahead is safe: decisions are
		// keyed by ordinal id and the extra items simply await review.
		w.logger.Warn("pending queue length differs from snapshot",
			"durable", durable,
			"snapshot", snap.PendingFileCount,
		)
	}
	w.logger.Info("resumed from checkpoint",
		"processed_files", len(w.processed),
		"entities", w.reg.Len(),
		"pending_durable", w.queue.FileCount(),
	)
	return nil
}

// resolve consumes parsed documents and applies the per-mention state
// machine. It is the only goroutine that mutates the registry or the
// pending queue.
func (w *Worker) resolve(ctx context.Context, results <-chan docResult, cancelParsers context.CancelFunc) error {
	docsSinceCheckpoint := 0
	lastCheckpoint := time.Now()

	for res := range results {
		if res.err != nil {
			w.tracker.DocumentErrored()
			docCtx := logger.WithSource(ctx, res.path)
			logger.FromContext(docCtx).Warn("document skipped", "error", res.err)
			w.processed[res.path] = struct{}{}
			continue
		}
		for i := range res.mentions {
			w.resolveMention(&res.mentions[i], res.path)
		}
		w.processed[res.path] = struct{}{}
		w.tracker.DocumentProcessed()
		docsSinceCheckpoint++

		due := (w.cfg.Checkpoint.IntervalDocs > 0 && docsSinceCheckpoint >= w.cfg.Checkpoint.IntervalDocs) ||
			(w.cfg.Checkpoint.Interval > 0 && time.Since(lastCheckpoint) >= w.cfg.Checkpoint.Interval)
		if due {
			if err := w.saveCheckpoint(false); err != nil {
				cancelParsers()
				for range results {
					// drain so the parser pool can exit
				}
				return err
			}
			docsSinceCheckpoint = 0
			lastCheckpoint = time.Now()
		}
	}
	return nil
}

// resolveMention applies the three-way classification: exact hit links
// immediately, an empty candidate field creates immediately, anything else
// is deferred to the review tier.
func (w *Worker) resolveMention(m *Mention, docPath string) {
	typ, err := m.Validate()
	if err != nil {
		w.tracker.MentionInvalid()
		return
	}
	source := m.Source
	if source == "" {
		source = docPath
	}

	if _, ok := w.reg.Lookup(m.Text, typ); ok {
		_, id := w.reg.AddOrUpdate(m.Text, typ, m.Context, source)
		w.tracker.MentionLinked(id, string(typ), source)
		return
	}

	candidates := w.reg.FindSimilar(m.Text, typ, w.cfg.Registry.CandidateLimit)
	if len(candidates) == 0 {
		_, id := w.reg.AddOrUpdate(m.Text, typ, m.Context, source)
		w.tracker.MentionCreated(id, string(typ), source)
		return
	}

	pendingID := w.queue.Append(pending.Item{
		Text:       strings.TrimSpace(m.Text),
		Type:       typ,
		Context:    m.Context,
		Candidates: candidates,
		Source:     source,
	})
	w.tracker.MentionDeferred(pendingID, string(typ), source)
}

// saveCheckpoint flushes the pending buffer and writes a snapshot.
func (w *Worker) saveCheckpoint(complete bool) error {
	processed := make([]string, 0, len(w.processed))
	for f := range w.processed {
		processed = append(processed, f)
	}
	sort.Strings(processed)

	snap := &checkpoint.Snapshot{
		ProcessedFiles: processed,
		Entities:       w.reg.Entities(),
		NextID:         w.reg.NextID(),
		CorpusComplete: complete,
	}
	start := time.Now()
	err := w.store.Save(snap, w.queue)
	if w.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		w.metrics.CheckpointsTotal.WithLabelValues(status).Inc()
		w.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
		w.metrics.PendingDurable.Set(float64(w.queue.FileCount()))
		w.metrics.PendingBuffered.Set(float64(w.queue.BufferCount()))
		for typ, n := range w.reg.CountByType() {
			w.metrics.RegistrySize.WithLabelValues(string(typ)).Set(float64(n))
		}
	}
	return err
}

func (w *Worker) absPath(rel string) string {
	return filepath.Join(w.cfg.Corpus.Dir, filepath.FromSlash(rel))
}
