// Package registry holds the in-memory index of canonical entities and the
// matching logic that decides whether a mention refers to something already
// known. It is the single source of truth for entity identity; durability is
// delegated to the checkpoint store.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
)

// EntityType is the closed set of entity kinds produced by the external
// NER extractor.
type EntityType string

const (
	TypePerson   EntityType = "person"
	TypeLocation EntityType = "location"
	TypeEvent    EntityType = "event"
)

// ParseEntityType validates a raw entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case TypePerson:
		return TypePerson, nil
	case TypeLocation:
		return TypeLocation, nil
	case TypeEvent:
		return TypeEvent, nil
	default:
		return "", fmt.Errorf("%w: %q", pkgerrors.ErrUnknownEntityType, s)
	}
}

// NormalizeKey derives the lookup key for a surface form: lower-cased and
// trimmed. Two mentions with the same key and type always resolve to the
// same canonical id.
func NormalizeKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Entity is one deduplicated canonical record. Aliases keep insertion order;
// the first alias wins display priority. Sources behave as an
// insertion-ordered set of document identifiers.
type Entity struct {
	ID            int64      `json:"id"`
	Text          string     `json:"text"`
	NormalizedKey string     `json:"normalized_key"`
	Type          EntityType `json:"entity_type"`
	Context       string     `json:"context,omitempty"`
	Aliases       []string   `json:"aliases,omitempty"`
	Sources       []string   `json:"sources,omitempty"`
}

// Candidate is one similarity-ranked match returned by FindSimilar.
type Candidate struct {
	ID             int64   `json:"id"`
	NormalizedText string  `json:"normalized_text"`
	Score          float64 `json:"score"`
}

// Registry indexes canonical entities by (entity type, normalized key).
// The mutating path is serialized behind a mutex; similarity search runs
// under a read lock.
type Registry struct {
	mu              sync.RWMutex
	byKey           map[EntityType]map[string]*Entity
	byID            map[int64]*Entity
	order           []int64
	nextID          int64
	similarityFloor float64
	candidateLimit  int
	logger          *slog.Logger
}

// Options carries the tunable matching knobs.
type Options struct {
	SimilarityFloor float64
	CandidateLimit  int
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.SimilarityFloor <= 0 {
		opts.SimilarityFloor = 0.5
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 5
	}
	return &Registry{
		byKey:           make(map[EntityType]map[string]*Entity),
		byID:            make(map[int64]*Entity),
		nextID:          1,
		similarityFloor: opts.SimilarityFloor,
		candidateLimit:  opts.CandidateLimit,
		logger:          slog.Default().With("component", "registry"),
	}
}

// Restore rebuilds the hash index from a snapshot's entity list.
func (r *Registry) Restore(entities []Entity, nextID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[EntityType]map[string]*Entity)
	r.byID = make(map[int64]*Entity, len(entities))
	r.order = make([]int64, 0, len(entities))
	for i := range entities {
		e := entities[i]
		if e.NormalizedKey == "" {
			e.NormalizedKey = NormalizeKey(e.Text)
		}
		r.index(&e)
	}
	if nextID > r.nextID {
		r.nextID = nextID
	}
	r.logger.Info("registry restored", "entities", len(entities), "next_id", r.nextID)
}

// index inserts e into both maps. Caller holds the write lock.
func (r *Registry) index(e *Entity) {
	keys := r.byKey[e.Type]
	if keys == nil {
		keys = make(map[string]*Entity)
		r.byKey[e.Type] = keys
	}
	keys[e.NormalizedKey] = e
	r.byID[e.ID] = e
	r.order = append(r.order, e.ID)
	if e.ID >= r.nextID {
		r.nextID = e.ID + 1
	}
}

// AddOrUpdate resolves a mention against the exact (key, type) index.
// On a hit it records the source and the context as a secondary alias
// observation and returns (false, existing id). On a miss it allocates the
// next id and creates a new canonical entity. O(1) amortized; the registry
// is queried once per mention across the whole corpus.
func (r *Registry) AddOrUpdate(text string, typ EntityType, context, source string) (isNew bool, id int64) {
	key := NormalizeKey(text)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[typ][key]; ok {
		r.observe(existing, context, source)
		return false, existing.ID
	}
	e := &Entity{
		ID:            r.nextID,
		Text:          strings.TrimSpace(text),
		NormalizedKey: key,
		Type:          typ,
		Context:       context,
		Sources:       appendUnique(nil, source),
	}
	r.nextID++
	r.index(e)
	return true, e.ID
}

// ApplyLink records a review LINK_EXISTING decision: the deferred mention's
// surface form becomes a new alias of the target entity, and its context and
// source are observed exactly as on a fast-tier hit.
func (r *Registry) ApplyLink(id int64, text, context, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", pkgerrors.ErrEntityNotFound, id)
	}
	if alias := strings.TrimSpace(text); alias != "" && alias != e.Text {
		e.Aliases = appendUnique(e.Aliases, alias)
	}
	r.observe(e, context, source)
	return nil
}

// observe updates an existing entity with a new sighting. Caller holds the
// write lock.
func (r *Registry) observe(e *Entity, context, source string) {
	if source != "" {
		e.Sources = appendUnique(e.Sources, source)
	}
	if context != "" && context != e.Context {
		e.Aliases = appendUnique(e.Aliases, context)
	}
}

// FindSimilar returns up to limit entities of the given type ranked by a
// deterministic string-similarity score against the normalized key. An
// exact match scores 1.0 and is always first; candidates below the
// similarity floor are dropped. Ties break by ascending id so the same
// inputs always yield the same ranking.
func (r *Registry) FindSimilar(text string, typ EntityType, limit int) []Candidate {
	if limit <= 0 || limit > r.candidateLimit {
		limit = r.candidateLimit
	}
	key := NormalizeKey(text)

	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.byKey[typ]
	if len(keys) == 0 {
		return nil
	}

	candidates := make([]Candidate, 0, limit)
	for k, e := range keys {
		score := Similarity(key, k)
		if score < r.similarityFloor {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:             e.ID,
			NormalizedText: k,
			Score:          score,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// Lookup returns the canonical id for an exact (normalized key, type)
// match, without mutating anything.
func (r *Registry) Lookup(text string, typ EntityType) (int64, bool) {
	key := NormalizeKey(text)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byKey[typ][key]; ok {
		return e.ID, true
	}
	return 0, false
}

// HasType reports whether any entity of the given type exists.
func (r *Registry) HasType(typ EntityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[typ]) > 0
}

// Get returns a copy of the entity with the given id.
func (r *Registry) Get(id int64) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Entities returns a copy of all canonical entities in creation order.
// This is the snapshot payload and the downstream hand-off shape.
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Len returns the number of canonical entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CountByType returns entity counts per type, for metrics.
func (r *Registry) CountByType() map[EntityType]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[EntityType]int, len(r.byKey))
	for typ, keys := range r.byKey {
		counts[typ] = len(keys)
	}
	return counts
}

// NextID returns the id the next created entity would receive.
func (r *Registry) NextID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
