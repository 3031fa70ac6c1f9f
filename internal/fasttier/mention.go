// Package fasttier implements the fast classification tier: it walks the
// corpus of per-document mention files, resolves the unambiguous majority of
// mentions against the registry locally, and defers the rest to the pending
// queue. It never calls the remote reasoning service and never waits for the
// review tier.
package fasttier

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/corpusworks/entity-resolver/internal/registry"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
)

// Mention is one raw (text, type, context) occurrence produced by the
// external NER extractor. Ephemeral: consumed exactly once.
type Mention struct {
	Text       string `json:"text"`
	EntityType string `json:"entity_type"`
	Context    string `json:"context"`
	Source     string `json:"source"`
}

// Validate enforces the mention input contract: blank text and unknown
// entity types are input errors, rejected before they reach the registry.
func (m *Mention) Validate() (registry.EntityType, error) {
	if strings.TrimSpace(m.Text) == "" {
		return "", pkgerrors.ErrEmptyMention
	}
	return registry.ParseEntityType(m.EntityType)
}

// maxMentionLine bounds a single mention record; contexts are snippets, not
// whole documents.
const maxMentionLine = 1 << 20

// ReadDocument parses one mention file: JSON records, one per line. Blank
// lines are skipped. A malformed line fails the whole document, which is
// then counted as a document error and skipped; the pipeline continues.
func ReadDocument(path string) ([]Mention, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mention file: %w", err)
	}
	defer f.Close()

	var mentions []Mention
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMentionLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var m Mention
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("parsing mention at %s:%d: %w", path, line, err)
		}
		mentions = append(mentions, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mention file %s: %w", path, err)
	}
	return mentions, nil
}
