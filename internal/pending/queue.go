// Package pending implements the durable, append-only queue of mentions the
// fast tier could not confidently resolve. Items are buffered in memory and
// flushed to a JSONL log when a checkpoint is taken; the review tier streams
// the log in fixed-size batches without ever loading it whole.
package pending

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/corpusworks/entity-resolver/internal/registry"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
)

// maxRecordSize bounds a single JSONL record; context snippets are short.
const maxRecordSize = 1 << 20

// Item is one deferred mention together with the candidate list it was
// ambiguous against. Once flushed it is immutable and addressed by its
// ordinal id.
type Item struct {
	ID         int64                `json:"id"`
	Text       string               `json:"text"`
	Type       registry.EntityType  `json:"entity_type"`
	Context    string               `json:"context,omitempty"`
	Candidates []registry.Candidate `json:"candidates"`
	Source     string               `json:"source"`
}

// Queue is the pending-mention log. Appends go to an in-memory buffer;
// Flush makes them durable. At any moment FileCount()+BufferCount() equals
// the logical queue length seen by producers.
type Queue struct {
	mu        sync.Mutex
	path      string
	buffer    []Item
	fileCount int64
	logger    *slog.Logger
}

// Open creates a Queue over the given JSONL file, counting any records a
// previous run already made durable.
func Open(path string) (*Queue, error) {
	q := &Queue{
		path:   path,
		logger: slog.Default().With("component", "pending-queue"),
	}
	n, err := countRecords(path)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindDurability, "pending.open", err)
	}
	q.fileCount = n
	if n > 0 {
		q.logger.Info("pending queue opened", "durable_items", n)
	}
	return q, nil
}

// Append assigns the next ordinal id and buffers the item. The item becomes
// durable at the next Flush.
func (q *Queue) Append(item Item) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.ID = q.fileCount + int64(len(q.buffer)) + 1
	q.buffer = append(q.buffer, item)
	return item.ID
}

// Flush appends every buffered item to the durable log and fsyncs. It is
// called by the checkpoint store before the snapshot is written, so a crash
// between the two leaves at worst a re-flushable buffer, never a
// recorded-but-unflushed item.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffer) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "pending.flush", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "pending.flush", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, item := range q.buffer {
		line, err := json.Marshal(item)
		if err != nil {
			return pkgerrors.New(pkgerrors.KindDurability, "pending.flush", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return pkgerrors.New(pkgerrors.KindDurability, "pending.flush", err)
		}
	}
	if err := w.Flush(); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "pending.flush", err)
	}
	if err := f.Sync(); err != nil {
		return pkgerrors.New(pkgerrors.KindDurability, "pending.flush", err)
	}
	flushed := len(q.buffer)
	q.fileCount += int64(flushed)
	q.buffer = q.buffer[:0]
	q.logger.Debug("pending buffer flushed", "items", flushed, "durable_total", q.fileCount)
	return nil
}

// FileCount returns the number of durable items.
func (q *Queue) FileCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fileCount
}

// BufferCount returns the number of buffered, not-yet-durable items.
func (q *Queue) BufferCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Len returns the logical queue length (durable plus buffered).
func (q *Queue) Len() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fileCount + int64(len(q.buffer))
}

// Path returns the durable log location.
func (q *Queue) Path() string {
	return q.path
}

// IterUnprocessed streams durable items whose ordinal id is absent from
// decided, in batches of at most batchSize. Only one batch is materialized
// at a time; "processed" is re-derived from the decision log rather than an
// in-memory cursor, so iteration is restartable from any point.
func (q *Queue) IterUnprocessed(decided map[int64]struct{}, batchSize int) (*BatchIterator, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &BatchIterator{done: true}, nil
		}
		return nil, pkgerrors.New(pkgerrors.KindDurability, "pending.iter", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	return &BatchIterator{
		file:      f,
		scanner:   scanner,
		decided:   decided,
		batchSize: batchSize,
	}, nil
}

// BatchIterator yields fixed-size batches of undecided pending items.
type BatchIterator struct {
	file      *os.File
	scanner   *bufio.Scanner
	decided   map[int64]struct{}
	batchSize int
	done      bool
}

// Next returns the next batch. It returns io.EOF once the log is exhausted.
func (it *BatchIterator) Next() ([]Item, error) {
	if it.done {
		return nil, io.EOF
	}
	batch := make([]Item, 0, it.batchSize)
	for it.scanner.Scan() {
		var item Item
		if err := json.Unmarshal(it.scanner.Bytes(), &item); err != nil {
			it.Close()
			return nil, pkgerrors.New(pkgerrors.KindDurability, "pending.iter",
				fmt.Errorf("%w: %v", pkgerrors.ErrCorruptRecord, err))
		}
		if _, ok := it.decided[item.ID]; ok {
			continue
		}
		batch = append(batch, item)
		if len(batch) == it.batchSize {
			return batch, nil
		}
	}
	err := it.scanner.Err()
	it.Close()
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindDurability, "pending.iter", err)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Close releases the underlying file. Safe to call more than once.
func (it *BatchIterator) Close() {
	if it.file != nil {
		it.file.Close()
		it.file = nil
	}
	it.done = true
}

// LoadItems streams the durable log and returns the items whose ordinal id
// appears in ids. Used at replay time, where only the decided subset is
// needed rather than the whole queue.
func LoadItems(path string, ids map[int64]struct{}) (map[int64]Item, error) {
	out := make(map[int64]Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, pkgerrors.New(pkgerrors.KindDurability, "pending.load", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			return nil, pkgerrors.New(pkgerrors.KindDurability, "pending.load",
				fmt.Errorf("%w: %v", pkgerrors.ErrCorruptRecord, err))
		}
		if _, ok := ids[item.ID]; ok {
			out[item.ID] = item
			if len(out) == len(ids) {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, pkgerrors.New(pkgerrors.KindDurability, "pending.load", err)
	}
	return out, nil
}

// countRecords counts newline-delimited records in the log without keeping
// them in memory.
func countRecords(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	var n int64
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
