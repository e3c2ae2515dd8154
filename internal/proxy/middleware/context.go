package middleware

import (
	"context"
	"net"
	"net/http"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	metaKey
)

// SessionHeader carries the gateway session id in both directions.
const SessionHeader = "X-Session-ID"

// ModelHeader names the AI model driving the caller, recorded for usage.
const ModelHeader = "X-AI-Model"

// Identity is the authenticated caller. Token is the bearer presented on
// this request and must never be logged.
type Identity struct {
	UserID    string
	SessionID string
	Token     string
}

// RequestMeta is request information recorded with usage.
type RequestMeta struct {
	IPAddress string
	AIModel   string
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller stored by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithRequestMeta stores meta in ctx.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey, meta)
}

// RequestMetaFrom returns the request metadata, or the zero value.
func RequestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(metaKey).(RequestMeta)
	return meta
}

// metaFromRequest expects RemoteAddr to be normalized by chi's RealIP.
func metaFromRequest(r *http.Request) RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return RequestMeta{IPAddress: ip, AIModel: r.Header.Get(ModelHeader)}
}
