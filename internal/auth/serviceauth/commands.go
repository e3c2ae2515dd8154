package serviceauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"go.uber.org/zap"
)

// Administrative commands accepted by HandleCommand.
const (
	CommandForceReauth       = "force_reauth"
	CommandStopWorker        = "stop_worker"
	CommandResumeWorker      = "resume_worker"
	CommandForceOAuthRefresh = "force_oauth_refresh"
)

// ErrUnknownCommand is returned for unsupported commands.
var ErrUnknownCommand = errors.New("unknown command")

func (b *base) HandleCommand(ctx context.Context, command string, params map[string]any) error {
	log := b.log.With(zap.String("command", command))

	switch command {
	case CommandForceReauth:
		if err := b.deps.Store.Delete(ctx, store.ValidationKey(b.cred.ID)); err != nil {
			return fmt.Errorf("clearing validation cache: %w", err)
		}
		if err := b.deps.Repo.SetValidationCachedUntil(ctx, b.cred.ID, nil); err != nil {
			log.Warn("failed to clear validation expiry on credential", zap.Error(err))
		}
		b.cred.ValidationCachedUntil = nil
		log.Info("validation cache invalidated")
		return nil

	case CommandStopWorker:
		reason, _ := params["reason"].(string)
		if reason == "" {
			reason = "unspecified"
		}
		marker := stopMarker{Reason: reason, StoppedAt: b.deps.Now()}
		if err := store.PutJSON(ctx, b.deps.Store, store.StoppedKey(b.cred.ID), marker, b.deps.StopTTL); err != nil {
			return fmt.Errorf("writing stop marker: %w", err)
		}
		if err := b.deps.Repo.UpdateStatus(ctx, b.cred.ID, credential.StatusRevoked); err != nil {
			return fmt.Errorf("revoking credential: %w", err)
		}
		b.cred.Status = credential.StatusRevoked
		log.Info("worker stopped", zap.String("reason", reason))
		return nil

	case CommandResumeWorker:
		if err := b.deps.Store.Delete(ctx, store.StoppedKey(b.cred.ID)); err != nil {
			return fmt.Errorf("clearing stop marker: %w", err)
		}
		if err := b.deps.Repo.UpdateStatus(ctx, b.cred.ID, credential.StatusActive); err != nil {
			return fmt.Errorf("reactivating credential: %w", err)
		}
		b.cred.Status = credential.StatusActive
		log.Info("worker resumed")
		return nil

	case CommandForceOAuthRefresh:
		if err := b.RefreshIfNeeded(ctx); err != nil {
			return fmt.Errorf("forced refresh: %w", err)
		}
		log.Info("forced oauth refresh completed")
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}
