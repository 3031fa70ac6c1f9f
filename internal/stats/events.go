package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corpusworks/entity-resolver/pkg/kafka"
	"github.com/corpusworks/entity-resolver/pkg/resilience"
)

// publishTimeout bounds a single batch write so a hung broker connection
// cannot wedge the flush loop.
const publishTimeout = 10 * time.Second

// ResolutionEvent is the record published per resolved mention or review
// decision when Kafka publication is enabled. Downstream consumers (the
// external relational-store loader, dashboards) subscribe to these.
type ResolutionEvent struct {
	Kind       string    `json:"kind"` // linked, created, deferred, review_link, review_create, review_pending
	EntityID   int64     `json:"entity_id,omitempty"`
	PendingID  int64     `json:"pending_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	Source     string    `json:"source,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher accumulates resolution events in memory and flushes them to
// Kafka either when the batch reaches a configurable size or after a time
// interval, whichever comes first. Publication is best-effort: losing an
// event never loses pipeline state, which lives in the checkpoint files.
type EventPublisher struct {
	producer      *kafka.Producer
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewEventPublisher creates an EventPublisher over the given producer.
func NewEventPublisher(producer *kafka.Producer, batchSize int, flushInterval time.Duration) *EventPublisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &EventPublisher{
		producer:      producer,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "event-publisher"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which runs until ctx is
// cancelled and then performs a final flush with a short deadline.
func (p *EventPublisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	p.logger.Info("event publisher started",
		"batch_size", p.batchSize,
		"flush_interval", p.flushInterval,
	)
}

// Publish buffers one event, triggering an immediate flush when the buffer
// reaches the batch size.
func (p *EventPublisher) Publish(ev ResolutionEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	p.mu.Lock()
	p.buffer = append(p.buffer, kafka.Event{Key: ev.Kind, Value: ev})
	shouldFlush := len(p.buffer) >= p.batchSize
	p.mu.Unlock()
	if shouldFlush {
		go p.flush(context.Background())
	}
}

// Close waits for the background flush loop to finish.
func (p *EventPublisher) Close() {
	<-p.done
}

func (p *EventPublisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]kafka.Event, 0, p.batchSize)
	p.mu.Unlock()

	err := resilience.WithTimeout(ctx, publishTimeout, "event-batch", func(ctx context.Context) error {
		return p.producer.PublishBatch(ctx, batch)
	})
	if err != nil {
		p.logger.Error("event batch flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		// Re-queue, dropping the oldest on repeated failure so a down
		// broker cannot grow the buffer without bound.
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		if len(p.buffer) > p.batchSize*3 {
			dropped := len(p.buffer) - p.batchSize*3
			p.buffer = p.buffer[dropped:]
			p.logger.Warn("event buffer overflow, oldest events dropped", "dropped", dropped)
		}
		p.mu.Unlock()
		return
	}
	p.logger.Debug("event batch flushed", "events", len(batch))
}
