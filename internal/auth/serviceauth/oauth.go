package serviceauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// OAuthServiceAuth validates an OAuth grant by performing a refresh-token
// exchange at the provider's token endpoint.
type OAuthServiceAuth struct {
	*base
}

func newOAuthServiceAuth(b *base) *OAuthServiceAuth {
	a := &OAuthServiceAuth{base: b}
	b.variant = a
	return a
}

func (a *OAuthServiceAuth) oauthConfig(p *credential.OAuthPayload) *oauth2.Config {
	tokenURL := p.TokenURL
	if tokenURL == "" {
		tokenURL = a.deps.TokenURL
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// grant runs one refresh-token exchange. A rotated refresh token or a new
// access token is sealed and written back; permanent provider rejections
// flip the credential to needs_reauth.
func (a *OAuthServiceAuth) grant(ctx context.Context, creds *credential.Decrypted) (*oauth2.Token, error) {
	if creds.OAuth == nil {
		return nil, fmt.Errorf("credential %s: %w: missing oauth payload", a.cred.ID, credential.ErrInvalidPayload)
	}
	p := creds.OAuth

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.deps.HTTPClient)
	tok, err := a.oauthConfig(p).TokenSource(ctx, &oauth2.Token{RefreshToken: p.RefreshToken}).Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			a.log.Warn("refresh token rejected, credential needs re-authorization", zap.Error(err))
			if uerr := a.deps.Repo.UpdateStatus(ctx, a.cred.ID, credential.StatusNeedsReauth); uerr != nil {
				a.log.Error("failed to mark credential needs_reauth", zap.Error(uerr))
			} else {
				a.cred.Status = credential.StatusNeedsReauth
			}
		} else {
			a.log.Warn("transient refresh failure, credential status unchanged", zap.Error(err))
		}
		return nil, err
	}

	a.mu.Lock()
	rotated := tok.RefreshToken != "" && tok.RefreshToken != p.RefreshToken
	changed := rotated || tok.AccessToken != p.AccessToken
	if rotated {
		a.log.Info("rotating refresh token", zap.String("refresh_token", logging.MaskToken(tok.RefreshToken)))
		p.RefreshToken = tok.RefreshToken
	}
	p.AccessToken = tok.AccessToken
	a.mu.Unlock()

	if !changed {
		return tok, nil
	}
	return tok, a.persist(ctx, creds)
}

func (a *OAuthServiceAuth) persist(ctx context.Context, creds *credential.Decrypted) error {
	plain, err := creds.Encode()
	if err != nil {
		return err
	}
	sealed, err := a.deps.Sealer.Seal(a.cred.ID, plain)
	if err != nil {
		return fmt.Errorf("sealing refreshed payload: %w", err)
	}
	if err := a.deps.Repo.UpdatePayload(ctx, a.cred.ID, sealed); err != nil {
		return fmt.Errorf("persisting refreshed payload: %w", err)
	}
	a.cred.EncryptedPayload = sealed
	return nil
}

func (a *OAuthServiceAuth) verify(ctx context.Context, creds *credential.Decrypted) verdict {
	tok, err := a.grant(ctx, creds)
	if err == nil {
		return verdict{valid: true, definitive: true, until: a.cacheUntil(tok)}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		return verdict{valid: false, definitive: code >= 400 && code < 500}
	}
	return verdict{valid: false, definitive: errors.Is(err, credential.ErrInvalidPayload)}
}

// cacheUntil bounds a valid verdict by the access token's lifetime, capped
// at the validation TTL. The zero time means the default TTL.
func (a *OAuthServiceAuth) cacheUntil(tok *oauth2.Token) time.Time {
	if tok == nil || tok.Expiry.IsZero() {
		return time.Time{}
	}
	// oauth2 stamps Expiry on the wall clock; carry the remaining lifetime
	// over to the injected clock.
	lifetime := time.Until(tok.Expiry)
	if lifetime <= 0 || lifetime >= a.deps.ValidationTTL {
		return time.Time{}
	}
	return a.deps.Now().Add(lifetime)
}

func (a *OAuthServiceAuth) refresh(ctx context.Context) error {
	creds, err := a.GetCredentials(ctx)
	if err != nil {
		return err
	}
	_, err = a.grant(ctx, creds)
	return err
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch rerr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
