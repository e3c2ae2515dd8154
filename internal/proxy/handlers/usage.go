package handlers

import (
	"context"
	"net/http"

	"github.com/pysugar/mcp-auth-gateway/internal/usage"
)

// UsageFlusher runs one consumer pass.
type UsageFlusher interface {
	RunOnce(ctx context.Context) (usage.BatchOutcome, error)
}

// FlushUsageHandler handles POST /api/usage/flush
func FlushUsageHandler(flusher UsageFlusher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := flusher.RunOnce(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read usage queue")
			return
		}
		status := http.StatusOK
		if out.Failed {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, out)
	}
}
