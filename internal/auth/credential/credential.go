// Package credential models stored upstream credentials. The encrypted
// payload is a tagged union keyed by AuthType and is decoded structurally at
// the decryption boundary.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AuthType selects the validation scheme and payload shape.
type AuthType string

const (
	AuthTypeAPIKey       AuthType = "api_key"
	AuthTypeOAuth        AuthType = "oauth"
	AuthTypeOAuthWithKey AuthType = "oauth_with_key"
)

// ParseAuthType validates s.
func ParseAuthType(s string) (AuthType, error) {
	switch t := AuthType(s); t {
	case AuthTypeAPIKey, AuthTypeOAuth, AuthTypeOAuthWithKey:
		return t, nil
	}
	return "", fmt.Errorf("unknown auth type %q", s)
}

// Status is the lifecycle state of a stored credential.
type Status string

const (
	StatusActive      Status = "active"
	StatusNeedsReauth Status = "needs_reauth"
	StatusRevoked     Status = "revoked"
)

// ErrInvalidPayload is returned when a decrypted payload lacks the fields its
// AuthType requires.
var ErrInvalidPayload = errors.New("invalid credential payload")

// APIKeyPayload is the secret for api_key auth.
type APIKeyPayload struct {
	APIKey string
}

// OAuthPayload is the secret for oauth auth.
type OAuthPayload struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	// TokenURL overrides the configured provider token endpoint.
	TokenURL string
}

// Decrypted is a decoded payload. APIKey is set for api_key and
// oauth_with_key, OAuth for oauth and oauth_with_key.
type Decrypted struct {
	AuthType AuthType
	APIKey   *APIKeyPayload
	OAuth    *OAuthPayload
}

// wirePayload is the flat JSON document sealed into Credential.EncryptedPayload.
type wirePayload struct {
	APIKey       string `json:"api_key,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
}

// Decode parses raw for authType and checks the variant's required fields.
func Decode(authType AuthType, raw []byte) (*Decrypted, error) {
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	d := &Decrypted{AuthType: authType}
	switch authType {
	case AuthTypeAPIKey:
		d.APIKey = &APIKeyPayload{APIKey: w.APIKey}
	case AuthTypeOAuth:
		d.OAuth = oauthFromWire(w)
	case AuthTypeOAuthWithKey:
		d.APIKey = &APIKeyPayload{APIKey: w.APIKey}
		d.OAuth = oauthFromWire(w)
	default:
		return nil, fmt.Errorf("%w: unknown auth type %q", ErrInvalidPayload, authType)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func oauthFromWire(w wirePayload) *OAuthPayload {
	return &OAuthPayload{
		ClientID:     w.ClientID,
		ClientSecret: w.ClientSecret,
		RefreshToken: w.RefreshToken,
		AccessToken:  w.AccessToken,
		TokenURL:     w.TokenURL,
	}
}

// Validate checks that the members required by AuthType are present.
func (d *Decrypted) Validate() error {
	needKey := d.AuthType == AuthTypeAPIKey || d.AuthType == AuthTypeOAuthWithKey
	needOAuth := d.AuthType == AuthTypeOAuth || d.AuthType == AuthTypeOAuthWithKey

	if needKey && (d.APIKey == nil || d.APIKey.APIKey == "") {
		return fmt.Errorf("%w: %s requires api_key", ErrInvalidPayload, d.AuthType)
	}
	if needOAuth && (d.OAuth == nil || d.OAuth.ClientID == "" || d.OAuth.RefreshToken == "") {
		return fmt.Errorf("%w: %s requires client_id and refresh_token", ErrInvalidPayload, d.AuthType)
	}
	return nil
}

// Encode flattens d back into the sealed wire document.
func (d *Decrypted) Encode() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var w wirePayload
	if d.APIKey != nil {
		w.APIKey = d.APIKey.APIKey
	}
	if d.OAuth != nil {
		w.ClientID = d.OAuth.ClientID
		w.ClientSecret = d.OAuth.ClientSecret
		w.RefreshToken = d.OAuth.RefreshToken
		w.AccessToken = d.OAuth.AccessToken
		w.TokenURL = d.OAuth.TokenURL
	}
	return json.Marshal(w)
}

// String never prints secret material.
func (d *Decrypted) String() string {
	return fmt.Sprintf("credential.Decrypted{AuthType:%s, APIKey:%s, OAuth:%s}",
		d.AuthType, presence(d.APIKey != nil), presence(d.OAuth != nil))
}

// GoString keeps %#v redacted as well.
func (d *Decrypted) GoString() string { return d.String() }

func presence(ok bool) string {
	if ok {
		return "[REDACTED]"
	}
	return "<nil>"
}
