// Package token refreshes the stored upstream auth profile of a user and
// re-derives the short-lived API key used for backend calls.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"github.com/pysugar/mcp-auth-gateway/internal/metrics"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"github.com/pysugar/mcp-auth-gateway/internal/upstream"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Failure messages reported in RefreshResult.Error.
const (
	ErrMsgNoTokens       = "No authentication tokens found"
	ErrMsgRefreshFailed  = "Failed to refresh user profile"
	ErrMsgAPIKeyNotFound = "API key not found in response"
)

// ErrUserIDRequired is reported when a refresh is attempted without a user.
var ErrUserIDRequired = errors.New("user id is required for profile refresh")

// Profile is the refreshed view returned to callers.
type Profile struct {
	APIKey string `json:"api_key"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// RefreshResult reports a refresh outcome as a value.
type RefreshResult struct {
	Success bool     `json:"success"`
	Profile *Profile `json:"profile,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// IdentityChecker calls the upstream "who am I" endpoint.
type IdentityChecker interface {
	WhoAmI(ctx context.Context, token string) (*upstream.Identity, error)
}

// Refresher refreshes stored auth profiles. It is safe for concurrent use;
// concurrent Refresh calls for one user race benignly, last write wins.
type Refresher struct {
	store    store.Store
	identity IdentityChecker
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// inflight collapses concurrent RefreshToken calls for one user.
	inflight singleflight.Group
}

// NewRefresher creates a Refresher.
func NewRefresher(s store.Store, identity IdentityChecker, logger *zap.Logger, m *metrics.Metrics) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{store: s, identity: identity, now: time.Now, logger: logger, metrics: m}
}

// WithClock replaces the time source.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

func (r *Refresher) fail(outcome, msg string) RefreshResult {
	r.metrics.ProfileRefresh(outcome)
	return RefreshResult{Error: msg}
}

// Refresh re-validates userID's stored profile against the identity
// endpoint and writes the new API key back to the profile and to every
// refresh-token entry of the same user.
func (r *Refresher) Refresh(ctx context.Context, userID string) RefreshResult {
	log := logging.For(ctx, r.logger).With(zap.String("user_id", userID))
	if userID == "" {
		log.Warn("profile refresh without user id")
		return r.fail("no_user", ErrUserIDRequired.Error())
	}

	doc, err := r.lookup(ctx, userID)
	if err != nil {
		log.Warn("profile lookup failed", zap.Error(err))
	}
	if doc == nil || doc.profile.AuthToken == "" {
		return r.fail("no_tokens", ErrMsgNoTokens)
	}

	id, err := r.identity.WhoAmI(ctx, doc.profile.AuthToken)
	if err != nil {
		log.Warn("identity call failed during profile refresh", zap.Error(err))
		return r.fail("upstream_error", ErrMsgRefreshFailed)
	}
	if id.APIKey == "" {
		return r.fail("missing_api_key", ErrMsgAPIKeyNotFound)
	}

	now := r.now()
	doc.apply(id.APIKey, id.Email, id.Name, now)
	if err := r.writeBack(ctx, doc, now); err != nil {
		log.Error("failed to persist refreshed profile", zap.String("key", doc.key), zap.Error(err))
		return r.fail("store_error", ErrMsgRefreshFailed)
	}
	r.updateRefreshTokens(ctx, log, userID, id, now)

	log.Info("profile refreshed", zap.String("api_key", logging.MaskToken(id.APIKey)))
	r.metrics.ProfileRefresh("success")

	name, email := id.Name, id.Email
	if name == "" {
		name = doc.profile.Name
	}
	if email == "" {
		email = doc.profile.Email
	}
	return RefreshResult{
		Success: true,
		Profile: &Profile{APIKey: id.APIKey, UserID: userID, Name: name, Email: email},
	}
}

// RefreshToken adapts Refresh to the executor's refresh hook. Callers that
// hit a 401 for the same user at the same time share one refresh, which is
// not canceled with the first caller.
func (r *Refresher) RefreshToken(ctx context.Context, userID string) (string, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.inflight.Do(userID, func() (interface{}, error) {
		res := r.Refresh(shared, userID)
		if !res.Success {
			return "", fmt.Errorf("profile refresh: %s", res.Error)
		}
		return res.Profile.APIKey, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// lookup finds userID's profile: the canonical key first, then legacy
// entries whose user id matches.
func (r *Refresher) lookup(ctx context.Context, userID string) (*profileDoc, error) {
	key := store.ProfileKey(userID)
	e, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		return normalize(key, e.Value)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	entries, err := r.store.List(ctx, store.LegacyProfilePrefix, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		doc, err := normalize(e.Key, e.Value)
		if err != nil {
			r.logger.Debug("skipping unreadable legacy profile", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if doc.profile.UserID == userID {
			return doc, nil
		}
	}
	return nil, nil
}

// writeBack stores doc under its key keeping the entry's remaining TTL.
func (r *Refresher) writeBack(ctx context.Context, doc *profileDoc, now time.Time) error {
	var ttl time.Duration
	if e, err := r.store.Get(ctx, doc.key); err == nil {
		ttl = e.RemainingTTL(now)
	}
	data, err := json.Marshal(doc.raw)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, doc.key, data, ttl)
}

func (r *Refresher) updateRefreshTokens(ctx context.Context, log *zap.Logger, userID string, id *upstream.Identity, now time.Time) {
	entries, err := r.store.List(ctx, store.RefreshTokenPrefix, 0)
	if err != nil {
		log.Warn("listing refresh tokens failed", zap.Error(err))
		return
	}
	updated := 0
	for _, e := range entries {
		doc, err := normalize(e.Key, e.Value)
		if err != nil || doc.profile.UserID != userID {
			continue
		}
		doc.apply(id.APIKey, id.Email, id.Name, now)
		data, err := json.Marshal(doc.raw)
		if err != nil {
			continue
		}
		if err := r.store.Put(ctx, e.Key, data, e.RemainingTTL(now)); err != nil {
			log.Warn("failed to update refresh token entry", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		updated++
	}
	if updated > 0 {
		log.Debug("refresh token entries updated", zap.Int("count", updated))
	}
}
