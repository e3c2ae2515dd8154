package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/mcp-auth-gateway/internal/auth/token"
)

// ProfileRefresher refreshes a user's stored auth profile.
type ProfileRefresher interface {
	Refresh(ctx context.Context, userID string) token.RefreshResult
}

// RefreshProfileHandler handles POST /api/users/{userId}/profile/refresh
func RefreshProfileHandler(refresher ProfileRefresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := refresher.Refresh(r.Context(), chi.URLParam(r, "userId"))
		status := http.StatusOK
		if !res.Success {
			status = http.StatusBadGateway
			if res.Error == token.ErrMsgNoTokens {
				status = http.StatusNotFound
			}
		}
		writeJSON(w, status, res)
	}
}
