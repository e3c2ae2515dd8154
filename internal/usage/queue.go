package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
)

// Message is one queued record.
type Message struct {
	ID   string
	Body []byte
}

// Queue accepts serialized records.
type Queue interface {
	Enqueue(ctx context.Context, body []byte) error
}

// Source hands queued messages to a consumer. Delivery is at least once.
type Source interface {
	Receive(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
	Retry(ctx context.Context, ids ...string) error
}

// StoreQueue keeps messages as usage:queue:<ts>-<rand> entries in the
// credential store. Entries that are never acknowledged expire with their
// TTL.
type StoreQueue struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewStoreQueue creates a queue whose messages live for ttl.
func NewStoreQueue(s store.Store, ttl time.Duration) *StoreQueue {
	return &StoreQueue{store: s, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (q *StoreQueue) WithClock(now func() time.Time) *StoreQueue {
	q.now = now
	return q
}

// messageID orders by enqueue time; the random suffix keeps ids unique.
func (q *StoreQueue) messageID() string {
	return fmt.Sprintf("%013d-%s", q.now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func (q *StoreQueue) Enqueue(ctx context.Context, body []byte) error {
	return q.store.Put(ctx, store.UsageQueuePrefix+q.messageID(), body, q.ttl)
}

func (q *StoreQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	entries, err := q.store.List(ctx, store.UsageQueuePrefix, max)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, Message{ID: strings.TrimPrefix(e.Key, store.UsageQueuePrefix), Body: e.Value})
	}
	return msgs, nil
}

func (q *StoreQueue) Ack(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if err := q.store.Delete(ctx, store.UsageQueuePrefix+id); err != nil {
			return fmt.Errorf("ack %s: %w", id, err)
		}
	}
	return nil
}

// Retry leaves the messages queued for the next pass.
func (q *StoreQueue) Retry(context.Context, ...string) error {
	return nil
}
