// Command resolver runs the fast classification tier: it walks the mention
// corpus, resolves what it can with exact and fuzzy matching, defers the
// rest to the pending queue, and checkpoints durably as it goes.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/corpusworks/entity-resolver/internal/checkpoint"
	"github.com/corpusworks/entity-resolver/internal/fasttier"
	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/registry"
	"github.com/corpusworks/entity-resolver/internal/stats"
	"github.com/corpusworks/entity-resolver/pkg/config"
	"github.com/corpusworks/entity-resolver/pkg/health"
	"github.com/corpusworks/entity-resolver/pkg/kafka"
	"github.com/corpusworks/entity-resolver/pkg/logger"
	"github.com/corpusworks/entity-resolver/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.WithComponent("resolver")
	log.Info("starting resolver",
		"corpus_dir", cfg.Corpus.Dir,
		"checkpoint_dir", cfg.Checkpoint.Dir,
		"workers", cfg.FastTier.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		log.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	queue, err := pending.Open(filepath.Join(cfg.Checkpoint.Dir, "pending.jsonl"))
	if err != nil {
		log.Error("failed to open pending queue", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	var publisher *stats.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DecisionEvents)
		publisher = stats.NewEventPublisher(producer, 100, 5*time.Second)
		pubCtx, pubCancel := context.WithCancel(ctx)
		publisher.Start(pubCtx)
		// Stop the flush loop before closing the producer it writes to.
		defer producer.Close()
		defer func() {
			pubCancel()
			publisher.Close()
		}()
	}
	tracker := stats.NewTracker(m, publisher)

	if cfg.Metrics.Enabled {
		checker := health.NewChecker()
		checker.Register("checkpoint-dir", func(ctx context.Context) (health.Status, string) {
			if _, err := os.Stat(cfg.Checkpoint.Dir); err != nil {
				return health.StatusDown, err.Error()
			}
			return health.StatusUp, ""
		})
		checker.Register("corpus-dir", func(ctx context.Context) (health.Status, string) {
			if _, err := os.Stat(cfg.Corpus.Dir); err != nil {
				return health.StatusDown, err.Error()
			}
			return health.StatusUp, ""
		})
		shutdown := metrics.StartServer(cfg.Metrics.Port, checker)
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutCtx)
		}()
	}

	reg := registry.New(registry.Options{
		SimilarityFloor: cfg.Registry.SimilarityFloor,
		CandidateLimit:  cfg.Registry.CandidateLimit,
	})

	worker := fasttier.New(cfg, reg, queue, store, tracker, m)
	if err := worker.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("resolver interrupted, state checkpointed")
			return
		}
		log.Error("resolver failed", "error", err)
		os.Exit(1)
	}

	counts := tracker.Snapshot()
	log.Info("corpus processed",
		"documents", counts.Documents,
		"linked", counts.Linked,
		"created", counts.Created,
		"deferred", counts.Deferred,
		"invalid", counts.Invalid,
		"entities", reg.Len())
}
