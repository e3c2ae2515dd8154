package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"github.com/pysugar/mcp-auth-gateway/internal/metrics"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"github.com/pysugar/mcp-auth-gateway/internal/upstream"
	"go.uber.org/zap"
)

// Authentication failures reported in AuthResult.Error.
const (
	ErrMsgMissingHeader = "Missing Authorization header"
	ErrMsgInvalidAPIKey = "Invalid API key"
	ErrMsgAuthFailed    = "Authentication failed"
)

// AuthResult is the authentication decision for one request.
type AuthResult struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// IdentityChecker calls the upstream "who am I" endpoint.
type IdentityChecker interface {
	WhoAmI(ctx context.Context, token string) (*upstream.Identity, error)
}

// apiKeyEntry is the apikey:<token> validation cache value.
type apiKeyEntry struct {
	UserID      string    `json:"user_id"`
	ValidatedAt time.Time `json:"validated_at"`
}

// sessionRecord is the session:<id> value. KeyHash binds the session to the
// API key that minted it, so a session id only authenticates together with
// that key.
type sessionRecord struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	KeyHash    string    `json:"key_hash"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// keyHash fingerprints an API key for session binding.
func keyHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves callers through three tiers: the API-key
// validation cache, the session cache, then the upstream identity check.
type Authenticator struct {
	store          store.Store
	identity       IdentityChecker
	apiKeyTTL      time.Duration
	sessionTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(s store.Store, identity IdentityChecker, apiKeyTTL, sessionTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		store:          s,
		identity:       identity,
		apiKeyTTL:      apiKeyTTL,
		sessionTimeout: sessionTimeout,
		now:            time.Now,
		logger:         logger,
		metrics:        m,
	}
}

// WithClock replaces the time source.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// NewSessionID returns an id of the form session-<unixms>-<rand>.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session-%d-%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

// bearerToken extracts the token of a "Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

func (a *Authenticator) deny(path, msg string) AuthResult {
	a.metrics.AuthDecision(path, "denied")
	return AuthResult{Error: msg}
}

// Authenticate resolves r to a user and session. Failures are values.
// A session id only short-circuits the upstream check when it arrives with
// the API key that minted it; accounts whose status is not active are
// rejected like unknown keys.
func (a *Authenticator) Authenticate(r *http.Request) AuthResult {
	ctx := r.Context()
	log := logging.For(ctx, a.logger)

	token, ok := bearerToken(r)
	if !ok {
		return a.deny("header", ErrMsgMissingHeader)
	}

	var cached apiKeyEntry
	err := store.GetJSON(ctx, a.store, store.APIKeyKey(token), &cached)
	switch {
	case err == nil && cached.UserID != "":
		sessionID, err := a.startSession(ctx, cached.UserID, token)
		if err != nil {
			log.Warn("failed to persist session minted from api key cache", zap.Error(err))
		}
		a.metrics.AuthDecision("apikey_cache", "success")
		return AuthResult{Authenticated: true, UserID: cached.UserID, SessionID: sessionID}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		log.Warn("api key cache read failed", zap.Error(err))
	}

	if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
		if sess, ok := a.touchSession(ctx, log, sessionID, token); ok {
			a.metrics.AuthDecision("session", "success")
			return AuthResult{Authenticated: true, UserID: sess.UserID, SessionID: sess.SessionID}
		}
	}

	id, err := a.identity.WhoAmI(ctx, token)
	if err != nil || id.ID == "" {
		log.Info("api key rejected upstream", zap.String("token", logging.MaskToken(token)), zap.Error(err))
		return a.deny("upstream", ErrMsgInvalidAPIKey)
	}
	if !id.Active() {
		log.Info("api key belongs to inactive account",
			zap.String("user_id", id.ID),
			zap.String("status", id.Status),
		)
		return a.deny("upstream", ErrMsgInvalidAPIKey)
	}

	sessionID, err := a.startSession(ctx, id.ID, token)
	if err != nil {
		log.Error("failed to persist session", zap.Error(err))
		return a.deny("upstream", ErrMsgAuthFailed)
	}
	entry := apiKeyEntry{UserID: id.ID, ValidatedAt: a.now()}
	if err := store.PutJSON(ctx, a.store, store.APIKeyKey(token), entry, a.apiKeyTTL); err != nil {
		log.Warn("failed to cache api key validation", zap.Error(err))
	}

	a.metrics.AuthDecision("upstream", "success")
	return AuthResult{Authenticated: true, UserID: id.ID, SessionID: sessionID}
}

func (a *Authenticator) startSession(ctx context.Context, userID, token string) (string, error) {
	now := a.now()
	sess := sessionRecord{
		SessionID:  NewSessionID(now),
		UserID:     userID,
		KeyHash:    keyHash(token),
		CreatedAt:  now,
		LastActive: now,
	}
	if err := store.PutJSON(ctx, a.store, store.SessionKey(sess.SessionID), sess, a.sessionTimeout); err != nil {
		return sess.SessionID, err
	}
	return sess.SessionID, nil
}

// touchSession returns a live session minted for token and extends it.
// Sessions idle for the timeout or longer are deleted. A session presented
// with a different key is ignored and left untouched.
func (a *Authenticator) touchSession(ctx context.Context, log *zap.Logger, sessionID, token string) (*sessionRecord, bool) {
	key := store.SessionKey(sessionID)
	var sess sessionRecord
	if err := store.GetJSON(ctx, a.store, key, &sess); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("session read failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}

	if subtle.ConstantTimeCompare([]byte(sess.KeyHash), []byte(keyHash(token))) != 1 {
		log.Info("session presented with a different api key", zap.String("session_id", sessionID))
		return nil, false
	}

	now := a.now()
	if now.Sub(sess.LastActive) >= a.sessionTimeout {
		_ = a.store.Delete(ctx, key)
		return nil, false
	}
	sess.LastActive = now
	if err := store.PutJSON(ctx, a.store, key, sess, a.sessionTimeout); err != nil {
		log.Warn("failed to extend session", zap.String("session_id", sessionID), zap.Error(err))
	}
	return &sess, true
}

// Middleware authenticates every request. Rejections get a 401 JSON body;
// accepted requests carry Identity and RequestMeta in their context and
// echo the session id.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.Authenticate(r)
		if !res.Authenticated {
			writeAuthError(w, res.Error)
			return
		}

		token, _ := bearerToken(r)
		ctx := WithIdentity(r.Context(), Identity{UserID: res.UserID, SessionID: res.SessionID, Token: token})
		ctx = WithRequestMeta(ctx, metaFromRequest(r))
		w.Header().Set(SessionHeader, res.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "authentication_error"},
	})
}

// AdminAuth gates the admin API with HTTP basic auth. An empty password
// leaves it open.
func AdminAuth(password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != password {
				w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
