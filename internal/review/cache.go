package review

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/pkg/logger"
	pkgredis "github.com/corpusworks/entity-resolver/pkg/redis"
)

// verdictCache is the reviewer's view of a decision cache: a lookup that
// may miss and a best-effort store.
type verdictCache interface {
	Get(ctx context.Context, key string) (Verdict, bool)
	Put(ctx context.Context, key string, v Verdict)
}

// cachedVerdict is the Redis-persisted form of a terminal verdict.
type cachedVerdict struct {
	Decision string `json:"decision"`
	ID       int64  `json:"id,omitempty"`
}

// DecisionCache memoizes terminal verdicts so identical deferred mentions
// never pay for a second remote call, even across reviewer restarts. A nil
// cache is valid and caches nothing.
type DecisionCache struct {
	client *pkgredis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewDecisionCache wraps a Redis client. Pass nil when caching is disabled.
func NewDecisionCache(client *pkgredis.Client, ttl time.Duration) *DecisionCache {
	if client == nil {
		return nil
	}
	return &DecisionCache{
		client: client,
		ttl:    ttl,
		logger: logger.WithComponent("review-cache"),
	}
}

// CacheKey identifies a review question: the mention plus the candidate set
// it was asked against. Two items with the same text but different
// candidates are different questions.
func CacheKey(item pending.Item) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(item.Text)))
	b.WriteByte('|')
	b.WriteString(string(item.Type))
	for _, c := range item.Candidates {
		fmt.Fprintf(&b, "|%d", c.ID)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("review:%x", sum[:16])
}

// Get returns a previously cached verdict, or (nil, false). Cache failures
// degrade to a miss.
func (dc *DecisionCache) Get(ctx context.Context, key string) (Verdict, bool) {
	if dc == nil {
		return nil, false
	}
	raw, err := dc.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			dc.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var cv cachedVerdict
	if err := json.Unmarshal([]byte(raw), &cv); err != nil {
		dc.logger.Warn("cache entry corrupt, ignoring", "key", key, "error", err)
		return nil, false
	}
	switch cv.Decision {
	case "LINK_EXISTING":
		return LinkExisting{ID: cv.ID}, true
	case "CREATE_NEW":
		return CreateNew{}, true
	default:
		return nil, false
	}
}

// Put stores a terminal verdict. Unparseable outcomes are never cached;
// the next drain pass should retry them.
func (dc *DecisionCache) Put(ctx context.Context, key string, v Verdict) {
	if dc == nil {
		return
	}
	var cv cachedVerdict
	switch vt := v.(type) {
	case LinkExisting:
		cv = cachedVerdict{Decision: "LINK_EXISTING", ID: vt.ID}
	case CreateNew:
		cv = cachedVerdict{Decision: "CREATE_NEW"}
	default:
		return
	}
	raw, err := json.Marshal(cv)
	if err != nil {
		return
	}
	if err := dc.client.Set(ctx, key, string(raw), dc.ttl); err != nil {
		dc.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
