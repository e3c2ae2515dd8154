package serviceauth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
	"github.com/pysugar/mcp-auth-gateway/internal/crypto"
	"github.com/pysugar/mcp-auth-gateway/internal/db"
	"github.com/pysugar/mcp-auth-gateway/internal/db/dbtest"
	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"github.com/pysugar/mcp-auth-gateway/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSealer counts decryptions.
type countingSealer struct {
	*crypto.Sealer
	opens atomic.Int32
}

func (c *countingSealer) Open(id string, blob []byte) ([]byte, error) {
	c.opens.Add(1)
	return c.Sealer.Open(id, blob)
}

// fakeIdentity answers WhoAmI from a fixed table of keys.
type fakeIdentity struct {
	mu     sync.Mutex
	calls  int
	valid  map[string]bool
	status int
}

func (f *fakeIdentity) WhoAmI(_ context.Context, token string) (*upstream.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.status != 0 {
		return nil, &upstream.APIError{Message: "upstream unavailable", Status: f.status}
	}
	if !f.valid[token] {
		return nil, &upstream.APIError{Message: "Invalid token", Status: http.StatusUnauthorized}
	}
	return &upstream.Identity{ID: "u1", Status: "active"}, nil
}

func (f *fakeIdentity) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// tokenServer is a fake OAuth token endpoint.
type tokenServer struct {
	*httptest.Server
	calls     atomic.Int32
	reject    string
	rotate    string
	expiresIn int
	lastReq   map[string]string
	mu        sync.Mutex
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{expiresIn: 3600}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		require.NoError(t, r.ParseForm())
		ts.mu.Lock()
		ts.lastReq = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"client_id":     r.PostForm.Get("client_id"),
			"client_secret": r.PostForm.Get("client_secret"),
			"refresh_token": r.PostForm.Get("refresh_token"),
		}
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if ts.reject != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": ts.reject})
			return
		}
		resp := map[string]any{"access_token": "at-new", "token_type": "Bearer", "expires_in": ts.expiresIn}
		if ts.rotate != "" {
			resp["refresh_token"] = ts.rotate
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

type fixture struct {
	ctx      context.Context
	kv       store.Store
	repo     *db.CredentialRepo
	sealer   *countingSealer
	identity *fakeIdentity
	tokens   *tokenServer
	clock    *dbtest.Clock
	factory  *Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.Open(t)
	clock := dbtest.NewClock()
	s, err := crypto.NewSealer(bytes.Repeat([]byte{1}, crypto.KeyLen))
	require.NoError(t, err)

	f := &fixture{
		ctx:      context.Background(),
		kv:       db.NewKVStore(gdb).WithClock(clock.Now),
		repo:     db.NewCredentialRepo(gdb, s),
		sealer:   &countingSealer{Sealer: s},
		identity: &fakeIdentity{valid: map[string]bool{"good-key": true}},
		tokens:   newTokenServer(t),
		clock:    clock,
	}
	f.factory = NewFactory(Deps{
		Store:    f.kv,
		Repo:     f.repo,
		Sealer:   f.sealer,
		Identity: f.identity,
		TokenURL: f.tokens.URL,
		Now:      clock.Now,
	})
	return f
}

func (f *fixture) create(t *testing.T, payload *credential.Decrypted) *models.Credential {
	t.Helper()
	cred, err := f.repo.Create(f.ctx, "u1", "xano", payload)
	require.NoError(t, err)
	return cred
}

func (f *fixture) auth(t *testing.T, cred *models.Credential) ServiceAuth {
	t.Helper()
	sa, err := f.factory.For(cred)
	require.NoError(t, err)
	return sa
}

func apiKeyPayload(key string) *credential.Decrypted {
	return &credential.Decrypted{AuthType: credential.AuthTypeAPIKey, APIKey: &credential.APIKeyPayload{APIKey: key}}
}

func oauthPayload() *credential.Decrypted {
	return &credential.Decrypted{
		AuthType: credential.AuthTypeOAuth,
		OAuth:    &credential.OAuthPayload{ClientID: "cid", ClientSecret: "secret", RefreshToken: "rt-1"},
	}
}

func TestFactory_SelectsVariant(t *testing.T) {
	f := newFixture(t)

	assert.IsType(t, &APIKeyServiceAuth{}, f.auth(t, &models.Credential{ID: "a", AuthType: credential.AuthTypeAPIKey}))
	assert.IsType(t, &OAuthServiceAuth{}, f.auth(t, &models.Credential{ID: "b", AuthType: credential.AuthTypeOAuth}))
	assert.IsType(t, &HybridServiceAuth{}, f.auth(t, &models.Credential{ID: "c", AuthType: credential.AuthTypeOAuthWithKey}))

	_, err := f.factory.For(&models.Credential{ID: "d", AuthType: "saml"})
	require.Error(t, err)
}

func TestAPIKey_CacheHitSkipsNetworkAndDecryption(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, apiKeyPayload("good-key"))

	res, err := f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.NotNil(t, res.CacheUntil)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), *res.CacheUntil)
	assert.Equal(t, 1, f.identity.count())
	assert.Equal(t, int32(1), f.sealer.opens.Load())

	// A fresh instance must answer from the cache alone.
	res, err = f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, f.identity.count())
	assert.Equal(t, int32(1), f.sealer.opens.Load())

	stored, err := f.repo.Get(f.ctx, cred.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ValidationCachedUntil)

	f.clock.Advance(5*time.Minute + time.Second)
	_, err = f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.identity.count(), "expired cache revalidates")
}

func TestAPIKey_InvalidIsCachedTransientIsNot(t *testing.T) {
	f := newFixture(t)
	bad := f.create(t, apiKeyPayload("bad-key"))

	res, err := f.auth(t, bad).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotNil(t, res.CacheUntil)

	_, err = f.auth(t, bad).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.identity.count())

	good := f.create(t, apiKeyPayload("good-key"))
	f.identity.status = http.StatusBadGateway
	res, err = f.auth(t, good).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Nil(t, res.CacheUntil)

	f.identity.status = 0
	res, err = f.auth(t, good).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, "transient failure was not cached")
	assert.Equal(t, 3, f.identity.count())
}

func TestGetCredentials_Memoized(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, apiKeyPayload("good-key"))
	sa := f.auth(t, cred)

	for i := 0; i < 3; i++ {
		d, err := sa.GetCredentials(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, "good-key", d.APIKey.APIKey)
	}
	assert.Equal(t, int32(1), f.sealer.opens.Load())
}

func TestStopWorker_ShortCircuitsValidation(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, apiKeyPayload("good-key"))
	sa := f.auth(t, cred)

	res, err := sa.ValidateAndCache(f.ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)

	require.NoError(t, sa.HandleCommand(f.ctx, CommandStopWorker, map[string]any{"reason": "billing_overdue"}))

	res, err = sa.ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid, "stop marker wins over a live cache entry")
	assert.Equal(t, 1, f.identity.count())

	stored, err := f.repo.Get(f.ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusRevoked, stored.Status)

	var marker stopMarker
	require.NoError(t, store.GetJSON(f.ctx, f.kv, store.StoppedKey(cred.ID), &marker))
	assert.Equal(t, "billing_overdue", marker.Reason)

	f.clock.Advance(24*time.Hour + time.Second)
	res, err = sa.ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, "marker expired")
	assert.Equal(t, 2, f.identity.count())
}

func TestResumeWorker_ClearsMarker(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, apiKeyPayload("good-key"))
	sa := f.auth(t, cred)

	require.NoError(t, sa.HandleCommand(f.ctx, CommandStopWorker, nil))
	require.NoError(t, sa.HandleCommand(f.ctx, CommandResumeWorker, nil))

	res, err := sa.ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	stored, err := f.repo.Get(f.ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, stored.Status)
}

func TestForceReauth_InvalidatesCache(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, apiKeyPayload("good-key"))
	sa := f.auth(t, cred)

	_, err := sa.ValidateAndCache(f.ctx)
	require.NoError(t, err)
	require.NoError(t, sa.HandleCommand(f.ctx, CommandForceReauth, nil))

	_, err = f.kv.Get(f.ctx, store.ValidationKey(cred.ID))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = sa.ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.identity.count())
}

func TestHandleCommand_Unknown(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, apiKeyPayload("good-key"))

	err := f.auth(t, cred).HandleCommand(f.ctx, "reboot", nil)
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestAPIKey_RefreshIsNoop(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, apiKeyPayload("good-key"))
	sa := f.auth(t, cred)

	require.NoError(t, sa.RefreshIfNeeded(f.ctx))
	require.NoError(t, sa.HandleCommand(f.ctx, CommandForceOAuthRefresh, nil))
	assert.Zero(t, f.tokens.calls.Load())
	assert.Zero(t, f.identity.count())
}

func TestOAuth_ValidateUsesRefreshGrant(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, oauthPayload())

	res, err := f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int32(1), f.tokens.calls.Load())

	f.tokens.mu.Lock()
	assert.Equal(t, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     "cid",
		"client_secret": "secret",
		"refresh_token": "rt-1",
	}, f.tokens.lastReq)
	f.tokens.mu.Unlock()

	_, err = f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokens.calls.Load())
}

func TestOAuth_RotationPersistsPayload(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, oauthPayload())
	f.tokens.rotate = "rt-2"

	require.NoError(t, f.auth(t, cred).RefreshIfNeeded(f.ctx))

	stored, err := f.repo.Get(f.ctx, cred.ID)
	require.NoError(t, err)
	d, err := f.auth(t, stored).GetCredentials(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", d.OAuth.RefreshToken)
	assert.Equal(t, "at-new", d.OAuth.AccessToken)
	assert.Equal(t, "cid", d.OAuth.ClientID)
}

func TestOAuth_PermanentRejectionNeedsReauth(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, oauthPayload())
	f.tokens.reject = "invalid_grant"

	res, err := f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotNil(t, res.CacheUntil, "a 400 from the provider is definitive")

	stored, err := f.repo.Get(f.ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusNeedsReauth, stored.Status)
}

func TestOAuth_TransientFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, oauthPayload())
	f.tokens.reject = "temporarily_unavailable"

	err := f.auth(t, cred).HandleCommand(f.ctx, CommandForceOAuthRefresh, nil)
	require.Error(t, err)

	stored, err := f.repo.Get(f.ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, stored.Status)
}

func TestHybrid_DecryptsBothAndRequiresBoth(t *testing.T) {
	f := newFixture(t)
	payload := &credential.Decrypted{
		AuthType: credential.AuthTypeOAuthWithKey,
		APIKey:   &credential.APIKeyPayload{APIKey: "good-key"},
		OAuth:    &credential.OAuthPayload{ClientID: "cid", ClientSecret: "secret", RefreshToken: "rt-1"},
	}
	cred := f.create(t, payload)
	sa := f.auth(t, cred)

	d, err := sa.GetCredentials(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "good-key", d.APIKey.APIKey)
	assert.Equal(t, "cid", d.OAuth.ClientID)
	assert.Equal(t, "rt-1", d.OAuth.RefreshToken)

	res, err := sa.ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, f.identity.count())
	assert.Equal(t, int32(1), f.tokens.calls.Load())
	assert.Equal(t, int32(1), f.sealer.opens.Load())

	payload.APIKey.APIKey = "bad-key"
	bad := f.create(t, payload)
	res, err = f.auth(t, bad).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid, "a rejected key fails the hybrid check")
}

func TestOAuth_CacheBoundedByTokenLifetime(t *testing.T) {
	f := newFixture(t)
	f.tokens.expiresIn = 60
	cred := f.create(t, oauthPayload())

	res, err := f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NotNil(t, res.CacheUntil)
	assert.True(t, res.CacheUntil.After(f.clock.Now().Add(50*time.Second)))
	assert.False(t, res.CacheUntil.After(f.clock.Now().Add(time.Minute)))

	f.clock.Advance(61 * time.Second)
	_, err = f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokens.calls.Load(), "expired access token forces a new grant")
}

func TestOAuth_LongLivedTokenUsesValidationTTL(t *testing.T) {
	f := newFixture(t)
	cred := f.create(t, oauthPayload())

	res, err := f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, res.CacheUntil)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), *res.CacheUntil)
}

func TestHybrid_CacheUntilIsEarlierOfBoth(t *testing.T) {
	f := newFixture(t)
	f.tokens.expiresIn = 90
	cred := f.create(t, &credential.Decrypted{
		AuthType: credential.AuthTypeOAuthWithKey,
		APIKey:   &credential.APIKeyPayload{APIKey: "good-key"},
		OAuth:    &credential.OAuthPayload{ClientID: "cid", ClientSecret: "secret", RefreshToken: "rt-1"},
	})

	res, err := f.auth(t, cred).ValidateAndCache(f.ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NotNil(t, res.CacheUntil)
	assert.True(t, res.CacheUntil.Before(f.clock.Now().Add(5*time.Minute)),
		"the oauth token expires before the api key check's ttl")
	assert.True(t, res.CacheUntil.After(f.clock.Now().Add(80*time.Second)))
}

func TestEarliest(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Minute)
	assert.Equal(t, a, earliest(a, b))
	assert.Equal(t, a, earliest(b, a))
	assert.Equal(t, b, earliest(time.Time{}, b))
	assert.Equal(t, a, earliest(a, time.Time{}))
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: "oauth2: cannot fetch token: 400 Bad Request {\"error\":\"invalid_grant\"}", permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, isPermanentRefreshError(assertErr(tt.errText)))
		})
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
