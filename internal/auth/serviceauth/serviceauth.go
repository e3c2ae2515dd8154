// Package serviceauth answers "is this stored credential currently valid?"
// with a short-lived validation cache, and exposes the decrypted secret only
// when a caller needs it.
package serviceauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"github.com/pysugar/mcp-auth-gateway/internal/metrics"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"github.com/pysugar/mcp-auth-gateway/internal/upstream"
	"go.uber.org/zap"
)

// ValidationResult is the answer of ValidateAndCache. CacheUntil is nil when
// the answer was not cached.
type ValidationResult struct {
	Valid      bool       `json:"valid"`
	CacheUntil *time.Time `json:"cache_until,omitempty"`
}

// ServiceAuth validates and exposes one stored credential.
type ServiceAuth interface {
	Credential() *models.Credential
	// ValidateAndCache consults the stop marker and the validation cache
	// before making any network call.
	ValidateAndCache(ctx context.Context) (ValidationResult, error)
	// GetCredentials decrypts the payload once per instance.
	GetCredentials(ctx context.Context) (*credential.Decrypted, error)
	RefreshIfNeeded(ctx context.Context) error
	HandleCommand(ctx context.Context, command string, params map[string]any) error
}

// CredentialRepo persists credential rows.
type CredentialRepo interface {
	Get(ctx context.Context, id string) (*models.Credential, error)
	UpdatePayload(ctx context.Context, id string, sealed []byte) error
	UpdateStatus(ctx context.Context, id string, status credential.Status) error
	SetValidationCachedUntil(ctx context.Context, id string, until *time.Time) error
}

// Sealer encrypts payloads bound to a credential id.
type Sealer interface {
	Seal(id string, plaintext []byte) ([]byte, error)
	Open(id string, blob []byte) ([]byte, error)
}

// IdentityChecker calls the upstream "who am I" endpoint.
type IdentityChecker interface {
	WhoAmI(ctx context.Context, token string) (*upstream.Identity, error)
}

// Deps are the collaborators shared by every ServiceAuth built by a Factory.
type Deps struct {
	Store         store.Store
	Repo          CredentialRepo
	Sealer        Sealer
	Identity      IdentityChecker
	HTTPClient    *http.Client
	TokenURL      string
	ValidationTTL time.Duration
	StopTTL       time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// verdict is the outcome of one upstream check. Only definitive verdicts
// are cached.
type verdict struct {
	valid      bool
	definitive bool
	until      time.Time
}

// variant is the scheme-specific part of a ServiceAuth.
type variant interface {
	verify(ctx context.Context, creds *credential.Decrypted) verdict
	refresh(ctx context.Context) error
}

type validationEntry struct {
	Valid     bool      `json:"valid"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type stopMarker struct {
	Reason    string    `json:"reason"`
	StoppedAt time.Time `json:"stopped_at"`
}

// base holds the state common to all variants: the credential row and the
// per-instance decryption memo.
type base struct {
	cred    *models.Credential
	deps    *Deps
	log     *zap.Logger
	variant variant

	mu        sync.Mutex
	decrypted *credential.Decrypted
}

func newBase(cred *models.Credential, deps *Deps) *base {
	return &base{
		cred: cred,
		deps: deps,
		log: deps.Logger.With(
			zap.String("credential_id", cred.ID),
			zap.String("user_id", cred.UserID),
			zap.String("auth_type", string(cred.AuthType)),
		),
	}
}

func (b *base) Credential() *models.Credential {
	return b.cred
}

func (b *base) GetCredentials(_ context.Context) (*credential.Decrypted, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.decrypted != nil {
		return b.decrypted, nil
	}

	raw, err := b.deps.Sealer.Open(b.cred.ID, b.cred.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential %s: %w", b.cred.ID, err)
	}
	d, err := credential.Decode(b.cred.AuthType, raw)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", b.cred.ID, err)
	}
	b.decrypted = d
	return d, nil
}

// stopped reports whether a live stop marker exists.
func (b *base) stopped(ctx context.Context) (bool, error) {
	_, err := b.deps.Store.Get(ctx, store.StoppedKey(b.cred.ID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (b *base) ValidateAndCache(ctx context.Context) (ValidationResult, error) {
	authType := string(b.cred.AuthType)

	stopped, err := b.stopped(ctx)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("reading stop marker: %w", err)
	}
	if stopped {
		b.deps.Metrics.ValidationCheck(authType, "stopped")
		return ValidationResult{Valid: false}, nil
	}

	var cached validationEntry
	err = store.GetJSON(ctx, b.deps.Store, store.ValidationKey(b.cred.ID), &cached)
	switch {
	case err == nil:
		b.deps.Metrics.ValidationCheck(authType, "cached")
		until := cached.ExpiresAt
		return ValidationResult{Valid: cached.Valid, CacheUntil: &until}, nil
	case !errors.Is(err, store.ErrNotFound):
		b.log.Warn("unreadable validation cache entry, revalidating", zap.Error(err))
	}

	creds, err := b.GetCredentials(ctx)
	if err != nil {
		return ValidationResult{}, err
	}

	v := b.variant.verify(ctx, creds)
	if !v.definitive {
		b.deps.Metrics.ValidationCheck(authType, "error")
		return ValidationResult{Valid: false}, nil
	}

	now := b.deps.Now()
	until := v.until
	if until.IsZero() {
		until = now.Add(b.deps.ValidationTTL)
	}
	entry := validationEntry{Valid: v.valid, CachedAt: now, ExpiresAt: until}
	if err := store.PutJSON(ctx, b.deps.Store, store.ValidationKey(b.cred.ID), entry, until.Sub(now)); err != nil {
		return ValidationResult{}, fmt.Errorf("caching validation: %w", err)
	}
	if err := b.deps.Repo.SetValidationCachedUntil(ctx, b.cred.ID, &until); err != nil {
		b.log.Warn("failed to mirror validation expiry onto credential", zap.Error(err))
	}

	result := "invalid"
	if v.valid {
		result = "valid"
	}
	b.deps.Metrics.ValidationCheck(authType, result)
	return ValidationResult{Valid: v.valid, CacheUntil: &until}, nil
}

func (b *base) RefreshIfNeeded(ctx context.Context) error {
	return b.variant.refresh(ctx)
}

// definitiveFailure classifies an upstream error. 4xx answers say the
// credential is bad; transport errors and 5xx say nothing.
func definitiveFailure(err error) bool {
	apiErr, ok := upstream.AsAPIError(err)
	return ok && apiErr.Definitive()
}

// Factory builds the ServiceAuth variant for a credential's auth type.
type Factory struct {
	deps Deps
}

// NewFactory fills unset optional dependencies with defaults.
func NewFactory(deps Deps) *Factory {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.ValidationTTL <= 0 {
		deps.ValidationTTL = 5 * time.Minute
	}
	if deps.StopTTL <= 0 {
		deps.StopTTL = 24 * time.Hour
	}
	return &Factory{deps: deps}
}

// For returns the variant selected by cred.AuthType.
func (f *Factory) For(cred *models.Credential) (ServiceAuth, error) {
	b := newBase(cred, &f.deps)
	switch cred.AuthType {
	case credential.AuthTypeAPIKey:
		return newAPIKeyServiceAuth(b), nil
	case credential.AuthTypeOAuth:
		return newOAuthServiceAuth(b), nil
	case credential.AuthTypeOAuthWithKey:
		return newHybridServiceAuth(b), nil
	}
	return nil, fmt.Errorf("credential %s: unsupported auth type %q", cred.ID, cred.AuthType)
}

// Load fetches credential id and wraps it.
func (f *Factory) Load(ctx context.Context, id string) (ServiceAuth, error) {
	cred, err := f.deps.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.For(cred)
}
