package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"github.com/pysugar/mcp-auth-gateway/internal/metrics"
	"github.com/pysugar/mcp-auth-gateway/internal/util"
	"go.uber.org/zap"
)

// enqueueTimeout bounds one background write.
const enqueueTimeout = 10 * time.Second

// Logger writes usage records in the background. Failures are logged and
// never reach the caller.
type Logger struct {
	queue   Queue
	costs   CostTable
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewLogger creates a usage logger.
func NewLogger(q Queue, costs CostTable, logger *zap.Logger, m *metrics.Metrics) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{queue: q, costs: costs, now: time.Now, logger: logger, metrics: m}
}

// WithClock replaces the time source.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// LogUsage stamps rec and enqueues it on a background goroutine. It returns
// immediately. The write outlives ctx cancellation but keeps its values.
func (l *Logger) LogUsage(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	rec.CostEstimate = l.costs.Cost(rec.ToolName)
	rec.Params = util.TruncateJSON(rec.Params, util.DefaultParamsMaxLen)
	rec.Result = util.TruncateJSON(rec.Result, util.DefaultParamsMaxLen)

	bg := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.enqueue(bg, rec); err != nil {
			l.metrics.UsageEnqueue("error")
			logging.For(bg, l.logger).Warn("usage log write failed",
				zap.String("tool", rec.ToolName),
				zap.String("session_id", rec.SessionID),
				zap.Error(err),
			)
			return
		}
		l.metrics.UsageEnqueue("ok")
	}()
}

func (l *Logger) enqueue(ctx context.Context, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during enqueue: %v", r)
		}
	}()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding usage record: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	return l.queue.Enqueue(ctx, body)
}

// Wait blocks until every background write has finished.
func (l *Logger) Wait() {
	l.wg.Wait()
}
