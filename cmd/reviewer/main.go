// Command reviewer runs the review tier: it follows the fast tier's
// checkpoints, drains the pending queue against a remote reasoning service,
// and records verdicts in the decision log. It may run concurrently with
// the resolver or start after it finishes.
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
	"github.com/corpusworks/entity-resolver/internal/decision"
	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/review"
	"github.com/corpusworks/entity-resolver/internal/stats"
	"github.com/corpusworks/entity-resolver/pkg/config"
	"github.com/corpusworks/entity-resolver/pkg/health"
	"github.com/corpusworks/entity-resolver/pkg/kafka"
	"github.com/corpusworks/entity-resolver/pkg/logger"
	"github.com/corpusworks/entity-resolver/pkg/metrics"
	"github.com/corpusworks/entity-resolver/pkg/redis"
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
	log := logger.WithComponent("reviewer-main")
	log.Info("starting reviewer",
		"endpoint", cfg.Review.Endpoint,
		"model", cfg.Review.Model,
		"parallelism", cfg.Review.Parallelism,
		"calls_per_second", cfg.Review.CallsPerSecond)

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
	decisionLog := decision.Open(filepath.Join(cfg.Checkpoint.Dir, "decisions.jsonl"))

	m := metrics.New()
	client := review.NewClient(cfg.Review)

	var cache *review.DecisionCache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, review cache disabled", "error", err)
		} else {
			cache = review.NewDecisionCache(redisClient, cfg.Redis.CacheTTL)
			defer redisClient.Close()
		}
	}

	var publisher *stats.EventPublisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DecisionEvents)
		publisher = stats.NewEventPublisher(producer, 50, 5*time.Second)
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
		if redisClient != nil {
			checker.Register("redis", func(ctx context.Context) (health.Status, string) {
				if err := redisClient.Ping(ctx); err != nil {
					return health.StatusDegraded, err.Error()
				}
				return health.StatusUp, ""
			})
		}
		shutdown := metrics.StartServer(cfg.Metrics.Port, checker)
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutCtx)
		}()
	}

	reviewer := review.NewReviewer(*cfg, store, queue, decisionLog, client, cache, tracker, m)
	if err := reviewer.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("reviewer interrupted, decisions are durable")
			return
		}
		log.Error("reviewer failed", "error", err)
		os.Exit(1)
	}
	log.Info("reviewer finished")
}
