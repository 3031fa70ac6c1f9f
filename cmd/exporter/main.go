// Command exporter composes the final entity list from the latest snapshot
// and the decision log, writes it to a JSON artifact, and optionally
// publishes the entities to the downstream hand-off topic.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/corpusworks/entity-resolver/internal/checkpoint"
	"github.com/corpusworks/entity-resolver/internal/decision"
	"github.com/corpusworks/entity-resolver/internal/export"
	"github.com/corpusworks/entity-resolver/pkg/config"
	"github.com/corpusworks/entity-resolver/pkg/kafka"
	"github.com/corpusworks/entity-resolver/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	outPath := flag.String("out", "entities.json", "path for the exported entity list")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.WithComponent("exporter-main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		log.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	decisionLog := decision.Open(filepath.Join(cfg.Checkpoint.Dir, "decisions.jsonl"))

	var producer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Kafka.Topics.EntityHandoff != "" {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.EntityHandoff)
		defer producer.Close()
	}

	exporter := export.NewExporter(store, decisionLog, producer)
	queuePath := filepath.Join(cfg.Checkpoint.Dir, "pending.jsonl")
	art, err := exporter.Export(ctx, queuePath, *outPath)
	if err != nil {
		log.Error("export failed", "error", err)
		os.Exit(1)
	}
	if !art.CorpusComplete {
		log.Warn("exported from an in-progress run", "entities", art.EntityCount)
	}
	if art.Unresolved > 0 {
		log.Warn("some pending items remain unresolved", "unresolved", art.Unresolved)
	}
}
