package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// IdentityPath is the backend's "who am I" endpoint.
const IdentityPath = "/auth/me"

// Identity is the caller profile returned by the identity endpoint.
type Identity struct {
	ID     string
	Email  string
	Name   string
	APIKey string
	Status string
}

// StatusActive is the only account status allowed to authenticate.
const StatusActive = "active"

// Active reports whether the account may authenticate. Profiles without a
// status (the grant-token shape) count as active.
func (i *Identity) Active() bool {
	return i.Status == "" || i.Status == StatusActive
}

type identityFields struct {
	ID     flexString `json:"id"`
	Email  string     `json:"email"`
	Name   string     `json:"name"`
	APIKey string     `json:"api_key"`
	Status string     `json:"status"`
}

// identityDoc covers both response shapes: {"self":{...}} from the API-key
// path and a flat object from the grant-token path.
type identityDoc struct {
	Self *identityFields `json:"self"`
	identityFields
}

func parseIdentity(body []byte) (*Identity, error) {
	var doc identityDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	f := doc.identityFields
	if doc.Self != nil {
		f = *doc.Self
	}
	return &Identity{
		ID:     string(f.ID),
		Email:  f.Email,
		Name:   f.Name,
		APIKey: f.APIKey,
		Status: f.Status,
	}, nil
}

// WhoAmI validates token against the identity endpoint. Failures are
// *APIError values.
func (c *Client) WhoAmI(ctx context.Context, token string) (*Identity, error) {
	resp, err := c.do(ctx, http.MethodGet, IdentityPath, token, nil)
	if err != nil {
		return nil, networkError(err)
	}
	if !resp.ok() {
		return nil, errorFromResponse(resp)
	}
	id, err := parseIdentity(resp.body)
	if err != nil {
		return nil, &APIError{Message: err.Error(), Status: resp.status}
	}
	return id, nil
}
