// Package review implements the review tier: a long-lived process that
// drains the pending queue, asks a remote reasoning service whether each
// deferred mention matches one of its candidates, and records the verdicts
// in the decision log. It shares no memory with the fast tier; the
// checkpoint files are the only coordination channel.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/pkg/config"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
)

// Verdict is the tagged union of remote reasoning outcomes. Modeling the
// payload this way keeps a malformed reply a distinguished case instead of
// a key-lookup failure.
type Verdict interface {
	isVerdict()
}

// LinkExisting says the mention refers to an existing canonical entity.
type LinkExisting struct {
	ID int64
}

// CreateNew says the mention is a new entity.
type CreateNew struct{}

// Unparseable says the reply could not be interpreted even after retries;
// the item stays pending rather than being guessed.
type Unparseable struct {
	Raw string
}

func (LinkExisting) isVerdict() {}
func (CreateNew) isVerdict()    {}
func (Unparseable) isVerdict()  {}

// Client calls an OpenAI-compatible chat-completions endpoint. Local
// gateways (Ollama, vLLM) and hosted services both speak this shape.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
}

// NewClient creates a review Client from config.
func NewClient(cfg config.ReviewConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
	}
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the chat-completions response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// verdictPayload is the strict decision shape the model must produce.
type verdictPayload struct {
	Decision string `json:"decision"`
	ID       *int64 `json:"id,omitempty"`
}

const systemPrompt = `You are an entity-resolution judge for a historical document corpus. ` +
	`Given a mention and a numbered list of known candidate entities, decide whether the mention ` +
	`refers to one of the candidates or to a new entity. Answer with exactly one JSON object and ` +
	`nothing else: {"decision":"LINK_EXISTING","id":<candidate id>} or {"decision":"CREATE_NEW"}.`

// BuildPrompt renders the bounded user prompt for one pending item: the
// mention plus at most five candidates.
func BuildPrompt(item pending.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mention: %q (type: %s)\n", item.Text, item.Type)
	if item.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", item.Context)
	}
	b.WriteString("Candidates:\n")
	for _, c := range item.Candidates {
		fmt.Fprintf(&b, "  id=%d  %q  (similarity %.2f)\n", c.ID, c.NormalizedText, c.Score)
	}
	b.WriteString("Does the mention refer to one of the candidates, or is it a new entity?")
	return b.String()
}

// Review asks the remote service to judge one pending item. Transport and
// HTTP-level failures come back as transient errors; a syntactically valid
// reply that does not match the verdict shape is a parse error. Both are
// retried by the caller and downgraded to PENDING when retries exhaust.
func (c *Client) Review(ctx context.Context, item pending.Item) (Verdict, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(item)},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindParse, "review.call", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindTransient, "review.call", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindTransient, "review.call",
			fmt.Errorf("%w: %v", pkgerrors.ErrReviewUnavailable, err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindTransient, "review.call", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, pkgerrors.Newf(pkgerrors.KindTransient, "review.call",
			"remote service status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, pkgerrors.New(pkgerrors.KindParse, "review.call", err)
	}
	if chatResp.Error != nil {
		return nil, pkgerrors.Newf(pkgerrors.KindTransient, "review.call",
			"remote service error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, pkgerrors.New(pkgerrors.KindParse, "review.call",
			fmt.Errorf("%w: empty choices", pkgerrors.ErrUnparseableReply))
	}
	return ParseVerdict(chatResp.Choices[0].Message.Content, item)
}

// ParseVerdict extracts the strict decision object from model output.
// LINK_EXISTING must reference one of the item's own candidates; anything
// else yields an Unparseable verdict plus a parse error for the retry loop.
func ParseVerdict(content string, item pending.Item) (Verdict, error) {
	raw := extractJSON(content)
	if raw == "" {
		return Unparseable{Raw: content}, parseFailure(content, "no JSON object found")
	}
	var p verdictPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Unparseable{Raw: content}, parseFailure(content, err.Error())
	}
	switch p.Decision {
	case "CREATE_NEW":
		return CreateNew{}, nil
	case "LINK_EXISTING":
		if p.ID == nil {
			return Unparseable{Raw: content}, parseFailure(content, "LINK_EXISTING without id")
		}
		for _, c := range item.Candidates {
			if c.ID == *p.ID {
				return LinkExisting{ID: *p.ID}, nil
			}
		}
		return Unparseable{Raw: content}, parseFailure(content, fmt.Sprintf("id %d is not a candidate", *p.ID))
	default:
		return Unparseable{Raw: content}, parseFailure(content, fmt.Sprintf("unknown decision %q", p.Decision))
	}
}

func parseFailure(content, reason string) error {
	return pkgerrors.New(pkgerrors.KindParse, "review.parse",
		fmt.Errorf("%w: %s: %s", pkgerrors.ErrUnparseableReply, reason, truncate(content, 200)))
}

// extractJSON pulls the first top-level JSON object out of model output,
// tolerating surrounding prose and markdown fences.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
