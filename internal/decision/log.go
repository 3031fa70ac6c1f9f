// Package decision implements the append-only log of review outcomes. Each
// record terminates (or re-reviews) one pending item; on load the latest
// record per ordinal id wins, so a re-review supersedes the earlier verdict.
package decision

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
)

// Outcome is the verdict a review run reached for a pending item.
type Outcome string

const (
	// OutcomeLinkExisting links the mention to an existing canonical id.
	OutcomeLinkExisting Outcome = "LINK_EXISTING"
	// OutcomeCreateNew allocates a fresh canonical entity at replay time.
	OutcomeCreateNew Outcome = "CREATE_NEW"
	// OutcomePending records that the reviewer could not decide; the item
	// stays eligible for a later review run.
	OutcomePending Outcome = "PENDING"
)

// Decision is one review verdict. LinkedID is set only for LINK_EXISTING.
// CREATE_NEW carries no entity id: ids for review-created entities are
// allocated deterministically at replay time so they can never collide with
// ids a still-running fast tier hands out.
type Decision struct {
	PendingID  int64     `json:"pending_id"`
	Outcome    Outcome   `json:"outcome"`
	LinkedID   int64     `json:"linked_id,omitempty"`
	Confidence float64   `json:"confidence"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Log is the durable decision log. Appends are fsynced individually; the
// review tier's call rate is orders of magnitude below the fast tier's, so
// per-record durability is affordable here.
type Log struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// Open creates a Log over the given JSONL file.
func Open(path string) *Log {
	return &Log{
		path:   path,
		logger: slog.Default().With("component", "decision-log"),
	}
}

// Append durably records one decision.
func (l *Log) Append(d Decision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	line, err := json.Marshal(d)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "decision.append", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "decision.append", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "decision.append", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "decision.append", err)
	}
	if err := f.Sync(); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "decision.append", err)
	}
	return nil
}

// Load reads the full log and returns the effective decision per pending
// id, last write winning, in first-decided order. The order slice lists
// pending ids by the position of their FIRST record, which is what makes
// CREATE_NEW replay deterministic across runs.
func (l *Log) Load() (map[int64]Decision, []int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]Decision{}, nil, nil
		}
		return nil, nil, pkgerrors.New(pkgerrors.KindDurability, "decision.load", err)
	}
	defer f.Close()

	decisions := make(map[int64]Decision)
	var order []int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var d Decision
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			return nil, nil, pkgerrors.New(pkgerrors.KindDurability, "decision.load",
				fmt.Errorf("%w: %v", pkgerrors.ErrCorruptRecord, err))
		}
		if _, seen := decisions[d.PendingID]; !seen {
			order = append(order, d.PendingID)
		}
		decisions[d.PendingID] = d
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, pkgerrors.New(pkgerrors.KindDurability, "decision.load", err)
	}
	return decisions, order, nil
}

// Decided returns every pending id that has any decision record at all,
// PENDING included.
func Decided(decisions map[int64]Decision) map[int64]struct{} {
	out := make(map[int64]struct{}, len(decisions))
	for id := range decisions {
		out[id] = struct{}{}
	}
	return out
}

// Resolved returns the set of pending ids that have a terminal decision
// (LINK_EXISTING or CREATE_NEW). PENDING records do not count: those items
// stay eligible for re-review.
func Resolved(decisions map[int64]Decision) map[int64]struct{} {
	out := make(map[int64]struct{}, len(decisions))
	for id, d := range decisions {
		if d.Outcome != OutcomePending {
			out[id] = struct{}{}
		}
	}
	return out
}

// Path returns the log's location on disk.
func (l *Log) Path() string {
	return l.path
}
