package middleware

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pysugar/mcp-auth-gateway/internal/usage"
)

// UsageLogger records tool invocations without blocking.
type UsageLogger interface {
	LogUsage(ctx context.Context, rec usage.Record)
}

// ToolWrapper attaches usage logging to tool handlers.
type ToolWrapper struct {
	usage UsageLogger
	now   func() time.Time
}

// NewToolWrapper creates a wrapper that logs through u.
func NewToolWrapper(u UsageLogger) *ToolWrapper {
	return &ToolWrapper{usage: u, now: time.Now}
}

// WrapToolCall returns a handler with the same behavior as handler that
// logs exactly one usage record per call, whether handler succeeds, fails
// or panics. Handler errors are returned unchanged.
func (tw *ToolWrapper) WrapToolCall(toolName string, handler server.ToolHandlerFunc, sessionID, userID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		start := tw.now()
		completed := false
		defer func() {
			rec := usage.Record{
				SessionID:  sessionID,
				UserID:     userID,
				ToolName:   toolName,
				Params:     req.GetArguments(),
				DurationMs: tw.now().Sub(start).Milliseconds(),
			}
			meta := RequestMetaFrom(ctx)
			rec.IPAddress, rec.AIModel = meta.IPAddress, meta.AIModel
			switch {
			case !completed:
				rec.Error = "tool handler panicked"
			case err != nil:
				rec.Error = err.Error()
			case result != nil:
				rec.Result = result.Content
				if result.IsError {
					rec.Error = firstText(result)
				}
			}
			tw.usage.LogUsage(ctx, rec)
		}()

		result, err = handler(ctx, req)
		completed = true
		return result, err
	}
}

func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return "tool returned an error result"
}
