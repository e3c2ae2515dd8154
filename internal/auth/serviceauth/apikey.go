package serviceauth

import (
	"context"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
	"go.uber.org/zap"
)

// APIKeyServiceAuth validates an API key against the identity endpoint.
type APIKeyServiceAuth struct {
	*base
}

func newAPIKeyServiceAuth(b *base) *APIKeyServiceAuth {
	a := &APIKeyServiceAuth{base: b}
	b.variant = a
	return a
}

func (a *APIKeyServiceAuth) verify(ctx context.Context, creds *credential.Decrypted) verdict {
	if creds.APIKey == nil {
		return verdict{valid: false, definitive: true}
	}
	id, err := a.deps.Identity.WhoAmI(ctx, creds.APIKey.APIKey)
	if err != nil {
		a.log.Info("api key check failed", zap.Error(err))
		return verdict{valid: false, definitive: definitiveFailure(err)}
	}
	if !id.Active() {
		a.log.Info("api key maps to inactive user", zap.String("status", id.Status))
		return verdict{valid: false, definitive: true}
	}
	return verdict{valid: true, definitive: true}
}

// refresh is a no-op: API keys have no grant to renew.
func (a *APIKeyServiceAuth) refresh(context.Context) error {
	return nil
}
