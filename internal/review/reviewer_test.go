package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corpusworks/entity-resolver/internal/checkpoint"
	"github.com/corpusworks/entity-resolver/internal/decision"
	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/registry"
	"github.com/corpusworks/entity-resolver/internal/stats"
	"github.com/corpusworks/entity-resolver/pkg/config"
)

// fixture builds a checkpoint directory holding a complete-corpus snapshot
// with two entities and a pending queue of deferred mentions.
type fixture struct {
	dir   string
	store *checkpoint.Store
	queue *pending.Queue
	log   *decision.Log
}

func newFixture(t *testing.T, items ...pending.Item) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	queue, err := pending.Open(filepath.Join(dir, "pending.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range items {
		queue.Append(item)
	}
	snap := &checkpoint.Snapshot{
		Entities: []registry.Entity{
			{ID: 1, Text: "Abraham Lincoln", NormalizedKey: "abraham lincoln", Type: registry.TypePerson},
			{ID: 2, Text: "Gettysburg", NormalizedKey: "gettysburg", Type: registry.TypeLocation},
		},
		NextID:         3,
		CorpusComplete: true,
	}
	if err := store.Save(snap, queue); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		dir:   dir,
		store: store,
		queue: queue,
		log:   decision.Open(filepath.Join(dir, "decisions.jsonl")),
	}
}

func reviewCfg(endpoint string) config.Config {
	return config.Config{
		Review: config.ReviewConfig{
			Endpoint:       endpoint,
			Model:          "test-model",
			MaxTokens:      128,
			RequestTimeout: 5 * time.Second,
			Parallelism:    2,
			CallsPerSecond: 1000,
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			BatchSize:      10,
			PollInterval:   25 * time.Millisecond,
		},
	}
}

func deferredItem(text string) pending.Item {
	return pending.Item{
		Text: text,
		Type: registry.TypePerson,
		Candidates: []registry.Candidate{
			{ID: 1, NormalizedText: "abraham lincoln", Score: 0.8},
		},
		Source: "doc.jsonl",
	}
}

func TestReviewerResolvesQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		readJSON(t, r, &req)
		// link the misspelling, create the stranger
		if strings.Contains(req.Messages[1].Content, "Lincon") {
			w.Write([]byte(chatReply(`{"decision":"LINK_EXISTING","id":1}`)))
			return
		}
		w.Write([]byte(chatReply(`{"decision":"CREATE_NEW"}`)))
	}))
	defer srv.Close()

	fx := newFixture(t, deferredItem("Abraham Lincon"), deferredItem("Jefferson Davis"))
	cfg := reviewCfg(srv.URL)
	cfg.Checkpoint.Dir = fx.dir
	r := NewReviewer(cfg, fx.store, fx.queue, fx.log, NewClient(cfg.Review), nil, stats.NewTracker(nil, nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	decisions, _, err := fx.log.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("decision log holds %d records, want 2", len(decisions))
	}
	if d := decisions[1]; d.Outcome != decision.OutcomeLinkExisting || d.LinkedID != 1 {
		t.Errorf("item 1: %+v", d)
	}
	if d := decisions[2]; d.Outcome != decision.OutcomeCreateNew {
		t.Errorf("item 2: %+v", d)
	}
	if d := decisions[2]; d.LinkedID != 0 {
		t.Errorf("CREATE_NEW must not carry an entity id: %+v", d)
	}
}

func TestReviewerSkipsResolvedItems(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(chatReply(`{"decision":"CREATE_NEW"}`)))
	}))
	defer srv.Close()

	fx := newFixture(t, deferredItem("Jefferson Davis"), deferredItem("Robert E Lee"))
	// item 1 was already decided by a previous run
	if err := fx.log.Append(decision.Decision{PendingID: 1, Outcome: decision.OutcomeLinkExisting, LinkedID: 1, Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}

	cfg := reviewCfg(srv.URL)
	cfg.Checkpoint.Dir = fx.dir
	r := NewReviewer(cfg, fx.store, fx.queue, fx.log, NewClient(cfg.Review), nil, stats.NewTracker(nil, nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("remote called %d times, want 1 (item 1 already resolved)", calls.Load())
	}
}

func TestReviewerLeavesUnparseableItemsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply("no idea, sorry")))
	}))
	defer srv.Close()

	fx := newFixture(t, deferredItem("Jefferson Davis"))
	cfg := reviewCfg(srv.URL)
	cfg.Checkpoint.Dir = fx.dir
	r := NewReviewer(cfg, fx.store, fx.queue, fx.log, NewClient(cfg.Review), nil, stats.NewTracker(nil, nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// the reviewer exits rather than hot-looping on an undecidable item
	if err := r.Run(ctx); err != nil {
		t.Fatalf("undecidable items must not fail the run: %v", err)
	}

	decisions, _, err := fx.log.Load()
	if err != nil {
		t.Fatal(err)
	}
	d, ok := decisions[1]
	if !ok {
		t.Fatal("undecidable item has no record")
	}
	if d.Outcome != decision.OutcomePending {
		t.Fatalf("outcome = %s, want PENDING", d.Outcome)
	}
	if d.Confidence >= 0.5 {
		t.Fatalf("pending confidence should be low, got %f", d.Confidence)
	}
}

// fakeCache is an in-memory verdictCache for tests.
type fakeCache struct {
	verdicts map[string]Verdict
}

func (f *fakeCache) Get(ctx context.Context, key string) (Verdict, bool) {
	v, ok := f.verdicts[key]
	return v, ok
}

func (f *fakeCache) Put(ctx context.Context, key string, v Verdict) {
	f.verdicts[key] = v
}

func TestReviewerCacheHitsSkipRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(chatReply(`{"decision":"CREATE_NEW"}`)))
	}))
	defer srv.Close()

	items := []pending.Item{deferredItem("Jefferson Davis"), deferredItem("Robert E Lee")}
	fx := newFixture(t, items...)

	cfg := reviewCfg(srv.URL)
	cfg.Checkpoint.Dir = fx.dir
	// a rate this low leaves one burst token; a second limiter wait would
	// outlive the test deadline, so cached items must never reach it
	cfg.Review.CallsPerSecond = 0.0001
	r := NewReviewer(cfg, fx.store, fx.queue, fx.log, NewClient(cfg.Review), nil, stats.NewTracker(nil, nil), nil)
	fc := &fakeCache{verdicts: make(map[string]Verdict)}
	for _, item := range items {
		fc.verdicts[CacheKey(item)] = CreateNew{}
	}
	r.cache = fc

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("remote called %d times, want 0 (both items cached)", calls.Load())
	}
	decisions, _, err := fx.log.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("decision log holds %d records, want 2", len(decisions))
	}
}

func TestReviewerEmptyQueueTerminates(t *testing.T) {
	fx := newFixture(t)
	cfg := reviewCfg("http://localhost:0")
	cfg.Checkpoint.Dir = fx.dir
	r := NewReviewer(cfg, fx.store, fx.queue, fx.log, NewClient(cfg.Review), nil, stats.NewTracker(nil, nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("empty queue with complete corpus should finish cleanly: %v", err)
	}
}

func readJSON(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Errorf("decoding request: %v", err)
	}
}
