package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/metrics"
	"go.uber.org/zap"
)

// BatchSink receives a batch of records in one call.
type BatchSink interface {
	PostUsageBatch(ctx context.Context, token string, logs []json.RawMessage) error
}

// BatchOutcome summarizes one batch.
type BatchOutcome struct {
	Received  int  `json:"received"`
	Dropped   int  `json:"dropped"`
	Delivered int  `json:"delivered"`
	Retried   int  `json:"retried"`
	Failed    bool `json:"failed"`
}

// Consumer drains the usage queue into the ingestion endpoint.
type Consumer struct {
	source    Source
	sink      BatchSink
	token     string
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewConsumer creates a consumer delivering with the ingestion token.
func NewConsumer(src Source, sink BatchSink, token string, batchSize int, logger *zap.Logger, m *metrics.Metrics) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Consumer{source: src, sink: sink, token: token, batchSize: batchSize, logger: logger, metrics: m}
}

// ProcessBatch parses msgs, acknowledges unparsable ones, and delivers the
// rest in one request. Delivery is all or nothing: every valid message is
// acknowledged on success and retried on failure.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []Message) BatchOutcome {
	out := BatchOutcome{Received: len(msgs)}

	var (
		logs    []json.RawMessage
		validID []string
		poison  []string
	)
	for _, m := range msgs {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(m.Body, &obj); err != nil || obj == nil {
			c.logger.Warn("dropping unparsable usage message", zap.String("message_id", m.ID))
			poison = append(poison, m.ID)
			continue
		}
		logs = append(logs, json.RawMessage(m.Body))
		validID = append(validID, m.ID)
	}

	if len(poison) > 0 {
		if err := c.source.Ack(ctx, poison...); err != nil {
			c.logger.Warn("failed to ack unparsable messages", zap.Error(err))
		}
		out.Dropped = len(poison)
		c.metrics.UsageBatch("dropped", len(poison))
	}
	if len(logs) == 0 {
		return out
	}

	if err := c.sink.PostUsageBatch(ctx, c.token, logs); err != nil {
		c.logger.Warn("usage batch delivery failed, retrying batch", zap.Int("count", len(logs)), zap.Error(err))
		if rerr := c.source.Retry(ctx, validID...); rerr != nil {
			c.logger.Warn("failed to mark batch for retry", zap.Error(rerr))
		}
		out.Retried = len(validID)
		out.Failed = true
		c.metrics.UsageBatch("retried", len(validID))
		return out
	}

	if err := c.source.Ack(ctx, validID...); err != nil {
		c.logger.Warn("failed to ack delivered batch", zap.Error(err))
	}
	out.Delivered = len(validID)
	c.metrics.UsageBatch("delivered", len(validID))
	return out
}

// RunOnce receives and processes one batch.
func (c *Consumer) RunOnce(ctx context.Context) (BatchOutcome, error) {
	msgs, err := c.source.Receive(ctx, c.batchSize)
	if err != nil {
		return BatchOutcome{}, err
	}
	if len(msgs) == 0 {
		return BatchOutcome{}, nil
	}
	return c.ProcessBatch(ctx, msgs), nil
}

// Run processes batches every interval until ctx is done.
func (c *Consumer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("usage consumer: non-positive interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("usage consumer started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("usage consumer stopped")
			return nil
		case <-ticker.C:
			out, err := c.RunOnce(ctx)
			if err != nil {
				c.logger.Warn("usage queue receive failed", zap.Error(err))
				continue
			}
			if out.Received > 0 {
				c.logger.Debug("usage batch processed",
					zap.Int("delivered", out.Delivered),
					zap.Int("dropped", out.Dropped),
					zap.Int("retried", out.Retried),
				)
			}
		}
	}
}
