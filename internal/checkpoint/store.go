// Package checkpoint persists the pipeline's resumable state: a versioned
// snapshot of the registry, the processed-file set, and the pending queue's
// durable length. The save path flushes the pending buffer before the
// snapshot is written, so a crash between the two can only leave a
// re-flushable buffer, never a recorded-but-unflushed item.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/registry"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
)

// SnapshotVersion is the current snapshot format version. Older versions
// are migration candidates; newer ones are rejected.
const SnapshotVersion = 1

const (
	snapshotFile    = "snapshot.json"
	corpusCountFile = "corpuscount.cache"
)

// Snapshot is the self-consistent restart state written atomically on every
// checkpoint.
type Snapshot struct {
	Version          int               `json:"version"`
	ProcessedFiles   []string          `json:"processed_files"`
	Entities         []registry.Entity `json:"entities"`
	NextID           int64             `json:"next_id"`
	PendingFileCount int64             `json:"pending_file_count"`
	CorpusComplete   bool              `json:"corpus_complete"`
	SavedAt          time.Time         `json:"saved_at"`
}

// Store reads and writes snapshots under a single checkpoint directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pkgerrors.New(pkgerrors.KindDurability, "checkpoint.new", err)
	}
	return &Store{
		dir:    dir,
		logger: slog.Default().With("component", "checkpoint"),
	}, nil
}

// SnapshotPath returns the snapshot file location.
func (s *Store) SnapshotPath() string {
	return filepath.Join(s.dir, snapshotFile)
}

// Save flushes the pending queue buffer to durable storage, then atomically
// replaces the snapshot via a temp file and rename. The flush happens-before
// the snapshot write; after a successful Save the queue buffer is empty and
// the snapshot's pending count matches the durable log.
func (s *Store) Save(snap *Snapshot, queue *pending.Queue) error {
	start := time.Now()
	if queue != nil {
		if err := queue.Flush(); err != nil {
			return err
		}
		snap.PendingFileCount = queue.FileCount()
	}
	snap.Version = SnapshotVersion
	snap.SavedAt = time.Now().UTC()

	data, err := json.Marshal(snap)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "checkpoint.save", err)
	}
	finalPath := s.SnapshotPath()
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "checkpoint.save", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return pkgerrors.New(pkgerrors.KindDurability, "checkpoint.save", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return pkgerrors.New(pkgerrors.KindDurability, "checkpoint.save", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "checkpoint.save", err)
	}
	s.logger.Info("checkpoint saved",
		"processed_files", len(snap.ProcessedFiles),
		"entities", len(snap.Entities),
		"pending_durable", snap.PendingFileCount,
		"corpus_complete", snap.CorpusComplete,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Load reads and validates the snapshot. It returns ErrSnapshotNotFound
// when no checkpoint exists yet.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.SnapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.ErrSnapshotNotFound
		}
		return nil, pkgerrors.New(pkgerrors.KindDurability, "checkpoint.load", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, pkgerrors.New(pkgerrors.KindDurability, "checkpoint.load",
			fmt.Errorf("%w: %v", pkgerrors.ErrCorruptRecord, err))
	}
	if snap.Version > SnapshotVersion || snap.Version < 1 {
		return nil, pkgerrors.New(pkgerrors.KindDurability, "checkpoint.load",
			fmt.Errorf("%w: got %d, support up to %d", pkgerrors.ErrSnapshotVersion, snap.Version, SnapshotVersion))
	}
	return &snap, nil
}

// ModTime returns the snapshot file's last modification time, or the zero
// time when no snapshot exists. The review tier polls this (and watches the
// directory) and re-reads the multi-megabyte snapshot only when it moved.
func (s *Store) ModTime() time.Time {
	info, err := os.Stat(s.SnapshotPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// ProcessedSet converts the snapshot's file list into a lookup set for the
// corpus walker.
func (snap *Snapshot) ProcessedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(snap.ProcessedFiles))
	for _, f := range snap.ProcessedFiles {
		set[f] = struct{}{}
	}
	return set
}

// SaveCorpusCount caches the total corpus file count so a restart does not
// re-walk the whole source tree just to print progress percentages.
func (s *Store) SaveCorpusCount(n int) error {
	path := filepath.Join(s.dir, corpusCountFile)
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)), 0644); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "checkpoint.corpuscount", err)
	}
	return nil
}

// LoadCorpusCount returns the cached corpus file count, if present.
func (s *Store) LoadCorpusCount() (int, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, corpusCountFile))
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
