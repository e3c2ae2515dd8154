package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/mcp-auth-gateway/internal/auth/serviceauth"
	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"go.uber.org/zap"
)

// CredentialLoader builds a ServiceAuth for a stored credential.
type CredentialLoader interface {
	Load(ctx context.Context, id string) (serviceauth.ServiceAuth, error)
}

// CredentialLister lists a user's credentials.
type CredentialLister interface {
	ListByUser(ctx context.Context, userID string) ([]models.Credential, error)
}

func loadCredential(w http.ResponseWriter, r *http.Request, loader CredentialLoader, logger *zap.Logger) (serviceauth.ServiceAuth, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Credential ID required")
		return nil, false
	}
	sa, err := loader.Load(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Credential not found")
		return nil, false
	case err != nil:
		logging.For(r.Context(), logger).Error("failed to load credential", zap.String("credential_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load credential")
		return nil, false
	}
	return sa, true
}

// ValidateCredentialHandler handles POST /api/credentials/{id}/validate
func ValidateCredentialHandler(loader CredentialLoader, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		sa, ok := loadCredential(w, r, loader, logger)
		if !ok {
			return
		}
		res, err := sa.ValidateAndCache(r.Context())
		if err != nil {
			logging.For(r.Context(), logger).Error("validation failed", zap.String("credential_id", sa.Credential().ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Validation failed")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// CredentialCommandHandler handles POST /api/credentials/{id}/commands/{command}
// with an optional JSON object of params.
func CredentialCommandHandler(loader CredentialLoader, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		sa, ok := loadCredential(w, r, loader, logger)
		if !ok {
			return
		}
		command := chi.URLParam(r, "command")
		if err := sa.HandleCommand(r.Context(), command, params); err != nil {
			if errors.Is(err, serviceauth.ErrUnknownCommand) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logging.For(r.Context(), logger).Error("credential command failed",
				zap.String("credential_id", sa.Credential().ID),
				zap.String("command", command),
				zap.Error(err),
			)
			writeError(w, http.StatusBadGateway, "Command failed: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"command": command,
			"state":   sa.Credential().Status,
		})
	}
}

// UserCredentialsHandler handles GET /api/users/{userId}/credentials.
// Payloads are never serialized.
func UserCredentialsHandler(lister CredentialLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := lister.ListByUser(r.Context(), chi.URLParam(r, "userId"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list credentials")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
	}
}
