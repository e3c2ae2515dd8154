package serviceauth

import (
	"context"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
)

// HybridServiceAuth requires both the API key and the OAuth grant to be
// valid. It composes the two single-scheme variants over one shared memo.
type HybridServiceAuth struct {
	*base
	apiKey *APIKeyServiceAuth
	oauth  *OAuthServiceAuth
}

func newHybridServiceAuth(b *base) *HybridServiceAuth {
	h := &HybridServiceAuth{
		base:   b,
		apiKey: &APIKeyServiceAuth{base: b},
		oauth:  &OAuthServiceAuth{base: b},
	}
	b.variant = h
	return h
}

func (h *HybridServiceAuth) verify(ctx context.Context, creds *credential.Decrypted) verdict {
	k := h.apiKey.verify(ctx, creds)
	if !k.definitive || !k.valid {
		return k
	}
	o := h.oauth.verify(ctx, creds)
	if !o.definitive || !o.valid {
		return o
	}
	return verdict{valid: true, definitive: true, until: earliest(k.until, o.until)}
}

func (h *HybridServiceAuth) refresh(ctx context.Context) error {
	return h.oauth.refresh(ctx)
}

// earliest returns the earlier non-zero time. A zero until stands for the
// default validation TTL, which every non-zero until is already below.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero(), a.Before(b):
		return a
	}
	return b
}
