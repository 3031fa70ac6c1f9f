// Package e2e contains end-to-end tests that exercise the review tier
// against a real OpenAI-compatible reasoning service (Ollama, vLLM, or a
// hosted endpoint).
//
// Prerequisites:
//   - a reachable chat-completions endpoint with the target model pulled
//
// Run with:
//
//	E2E_REVIEW_ENDPOINT=http://localhost:11434/v1 E2E_REVIEW_MODEL=qwen2.5:14b \
//	  go test -v -timeout=300s ./test/e2e/...
package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/registry"
	"github.com/corpusworks/entity-resolver/internal/review"
	"github.com/corpusworks/entity-resolver/pkg/config"
)

func e2eClient(t *testing.T) *review.Client {
	t.Helper()
	endpoint := os.Getenv("E2E_REVIEW_ENDPOINT")
	if endpoint == "" {
		t.Skip("skipping e2e test: E2E_REVIEW_ENDPOINT not set")
	}
	model := os.Getenv("E2E_REVIEW_MODEL")
	if model == "" {
		model = "qwen2.5:14b"
	}
	return review.NewClient(config.ReviewConfig{
		Endpoint:       endpoint,
		Model:          model,
		APIKey:         os.Getenv("E2E_REVIEW_API_KEY"),
		MaxTokens:      256,
		RequestTimeout: 120 * time.Second,
	})
}

// TestReviewObviousLink asks the live model about a near-identical mention;
// any reasonable model should link it.
func TestReviewObviousLink(t *testing.T) {
	client := e2eClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Second)
	defer cancel()

	v, err := client.Review(ctx, pending.Item{
		ID:      1,
		Text:    "Abraham Lincon",
		Type:    registry.TypePerson,
		Context: "the president delivered the gettysburg address",
		Candidates: []registry.Candidate{
			{ID: 1, NormalizedText: "abraham lincoln", Score: 0.93},
			{ID: 2, NormalizedText: "mary todd lincoln", Score: 0.61},
		},
		Source: "doc1.jsonl",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	link, ok := v.(review.LinkExisting)
	if !ok {
		t.Fatalf("verdict = %#v, want LinkExisting", v)
	}
	if link.ID != 1 {
		t.Fatalf("linked to %d, want 1", link.ID)
	}
}

// TestReviewObviousCreate asks about a mention unrelated to any candidate.
func TestReviewObviousCreate(t *testing.T) {
	client := e2eClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Second)
	defer cancel()

	v, err := client.Review(ctx, pending.Item{
		ID:      2,
		Text:    "Siege of Vicksburg",
		Type:    registry.TypeEvent,
		Context: "a decisive union victory on the mississippi",
		Candidates: []registry.Candidate{
			{ID: 5, NormalizedText: "battle of gettysburg", Score: 0.52},
		},
		Source: "doc2.jsonl",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, ok := v.(review.CreateNew); !ok {
		t.Fatalf("verdict = %#v, want CreateNew", v)
	}
}
