package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"go.uber.org/zap"
)

// TokenRefresher re-derives a fresh short-lived key for a user after the
// upstream rejected the previous one.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, userID string) (string, error)
}

// RefreshContext enables refresh-on-401 for one call. A nil RefreshContext
// disables recovery.
type RefreshContext struct {
	UserID    string
	Refresher TokenRefresher
}

// Request is one authenticated backend call.
type Request struct {
	Method string
	// URL is absolute or a path relative to the client base URL.
	URL   string
	Token string
	Body  any
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeUnauthorized
	outcomeFailed
)

type attemptResult struct {
	outcome outcome
	data    json.RawMessage
	err     *APIError
}

func (c *Client) attempt(ctx context.Context, method, target, token string, body []byte) attemptResult {
	resp, err := c.do(ctx, method, target, token, body)
	switch {
	case err != nil:
		return attemptResult{outcome: outcomeFailed, err: networkError(err)}
	case resp.ok():
		return attemptResult{outcome: outcomeSuccess, data: decodeBody(resp.body)}
	case resp.status == http.StatusUnauthorized:
		return attemptResult{outcome: outcomeUnauthorized, err: errorFromResponse(resp)}
	default:
		return attemptResult{outcome: outcomeFailed, err: errorFromResponse(resp)}
	}
}

// Execute performs req with its bearer token. A 401 with a refresh context
// triggers exactly one credential refresh and one replay; the replay's
// outcome is final. When the refresh fails, or there is no refresh context,
// the original 401 is returned unchanged. Other failures are returned
// without retry. Errors are always *APIError.
func (c *Client) Execute(ctx context.Context, req Request, rc *RefreshContext) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, &APIError{Message: fmt.Sprintf("encoding request body: %v", err)}
		}
	}

	first := c.attempt(ctx, method, req.URL, req.Token, body)
	switch first.outcome {
	case outcomeSuccess:
		return first.data, nil
	case outcomeFailed:
		return nil, first.err
	}

	if rc == nil || rc.Refresher == nil {
		return nil, first.err
	}

	log := logging.For(ctx, c.logger).With(zap.String("user_id", rc.UserID), zap.String("url", req.URL))
	fresh, err := rc.Refresher.RefreshToken(ctx, rc.UserID)
	if err != nil {
		log.Warn("credential refresh after 401 failed", zap.Error(err))
		c.metrics.UpstreamRetry("refresh_failed")
		return nil, first.err
	}

	log.Info("credential refreshed after 401, replaying request", zap.String("token", logging.MaskToken(fresh)))
	second := c.attempt(ctx, method, req.URL, fresh, body)
	if second.outcome == outcomeSuccess {
		c.metrics.UpstreamRetry("recovered")
		return second.data, nil
	}
	c.metrics.UpstreamRetry("retry_failed")
	return nil, second.err
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
