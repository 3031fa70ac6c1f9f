package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/corpusworks/entity-resolver/internal/checkpoint"
	"github.com/corpusworks/entity-resolver/internal/decision"
	"github.com/corpusworks/entity-resolver/internal/registry"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
	"github.com/corpusworks/entity-resolver/pkg/kafka"
	"github.com/corpusworks/entity-resolver/pkg/logger"
)

// Artifact is the exported result file.
type Artifact struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	CorpusComplete bool              `json:"corpus_complete"`
	EntityCount    int               `json:"entity_count"`
	Unresolved     int64             `json:"unresolved_pending"`
	Unreviewed     int64             `json:"unreviewed_pending"`
	Entities       []registry.Entity `json:"entities"`
}

// Exporter composes the final registry and writes it out. A nil producer
// skips the hand-off publication.
type Exporter struct {
	store    *checkpoint.Store
	log      *decision.Log
	producer *kafka.Producer
	logger   *slog.Logger
}

// NewExporter creates an Exporter over a checkpoint store and decision log.
func NewExporter(store *checkpoint.Store, log *decision.Log, producer *kafka.Producer) *Exporter {
	return &Exporter{
		store:    store,
		log:      log,
		producer: producer,
		logger:   logger.WithComponent("exporter"),
	}
}

// Export composes the merged entity list, writes it atomically to outPath,
// and publishes each entity to the hand-off topic when one is configured.
func (e *Exporter) Export(ctx context.Context, queuePath, outPath string) (*Artifact, error) {
	snap, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	decisions, order, err := e.log.Load()
	if err != nil {
		return nil, err
	}
	reg, err := Compose(snap, queuePath, decisions, order)
	if err != nil {
		return nil, err
	}

	resolved := decision.Resolved(decisions)
	decided := decision.Decided(decisions)
	art := &Artifact{
		GeneratedAt:    time.Now().UTC(),
		CorpusComplete: snap.CorpusComplete,
		EntityCount:    reg.Len(),
		// unresolved counts items without a terminal verdict; unreviewed
		// the subset the review tier never recorded anything for
		Unresolved: snap.PendingFileCount - int64(len(resolved)),
		Unreviewed: snap.PendingFileCount - int64(len(decided)),
		Entities:   reg.Entities(),
	}
	if err := writeArtifact(outPath, art); err != nil {
		return nil, err
	}
	e.logger.Info("entities exported",
		"path", outPath,
		"entities", art.EntityCount,
		"unresolved", art.Unresolved,
		"unreviewed", art.Unreviewed,
		"corpus_complete", art.CorpusComplete)

	if e.producer != nil {
		if err := e.publish(ctx, art); err != nil {
			return nil, err
		}
	}
	return art, nil
}

// writeArtifact writes the file through a temp name and rename so readers
// never observe a partial export.
func writeArtifact(path string, art *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "export.write", err)
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "export.write", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "export.write", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return pkgerrors.New(pkgerrors.KindDurability, "export.write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return pkgerrors.New(pkgerrors.KindDurability, "export.write", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return pkgerrors.New(pkgerrors.KindDurability, "export.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "export.write", err)
	}
	return nil
}

// publish streams the final entities to the hand-off topic in batches.
func (e *Exporter) publish(ctx context.Context, art *Artifact) error {
	const batchSize = 100
	events := make([]kafka.Event, 0, batchSize)
	for _, ent := range art.Entities {
		events = append(events, kafka.Event{
			Key:   fmt.Sprintf("%d", ent.ID),
			Value: ent,
		})
		if len(events) == batchSize {
			if err := e.producer.PublishBatch(ctx, events); err != nil {
				return pkgerrors.New(pkgerrors.KindTransient, "export.publish", err)
			}
			events = events[:0]
		}
	}
	if len(events) > 0 {
		if err := e.producer.PublishBatch(ctx, events); err != nil {
			return pkgerrors.New(pkgerrors.KindTransient, "export.publish", err)
		}
	}
	e.logger.Info("entities published to hand-off topic", "count", len(art.Entities))
	return nil
}
