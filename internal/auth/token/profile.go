package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// shape identifies which field names a stored profile document uses.
type shape int

const (
	shapeCanonical shape = iota
	shapeLegacy
)

// profileFields maps logical profile fields to one shape's JSON names.
type profileFields struct {
	userID, authToken, apiKey, email, name, lastRefreshed string
}

var fieldsByShape = map[shape]profileFields{
	shapeCanonical: {
		userID:        "user_id",
		authToken:     "auth_token",
		apiKey:        "api_key",
		email:         "email",
		name:          "name",
		lastRefreshed: "last_refreshed",
	},
	shapeLegacy: {
		userID:        "userId",
		authToken:     "xano_token",
		apiKey:        "apiKey",
		email:         "email",
		name:          "name",
		lastRefreshed: "lastRefreshed",
	},
}

// StoredAuthProfile is the upstream-backed profile used to re-derive a
// fresh API key. AuthToken is the long-lived grant, APIKey the short-lived
// key sent upstream.
type StoredAuthProfile struct {
	UserID        string
	AuthToken     string
	APIKey        string
	Email         string
	Name          string
	LastRefreshed time.Time
}

// profileDoc is a stored document together with its normalized view. The
// raw map is kept so write-back preserves fields the gateway does not know.
type profileDoc struct {
	key     string
	shape   shape
	raw     map[string]any
	profile StoredAuthProfile
}

// decodeDoc parses value into a generic map keeping numbers exact.
func decodeDoc(value []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("profile document is not an object")
	}
	return raw, nil
}

// detectShape treats any legacy-only field name as the legacy shape.
func detectShape(raw map[string]any) shape {
	legacy := fieldsByShape[shapeLegacy]
	for _, k := range []string{legacy.userID, legacy.authToken, legacy.apiKey, legacy.lastRefreshed} {
		if _, ok := raw[k]; ok {
			return shapeLegacy
		}
	}
	return shapeCanonical
}

// normalize reads a stored profile of either shape.
func normalize(key string, value []byte) (*profileDoc, error) {
	raw, err := decodeDoc(value)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	s := detectShape(raw)
	f := fieldsByShape[s]

	p := StoredAuthProfile{
		UserID:    stringField(raw, f.userID),
		AuthToken: stringField(raw, f.authToken),
		APIKey:    stringField(raw, f.apiKey),
		Email:     stringField(raw, f.email),
		Name:      stringField(raw, f.name),
	}
	if ts := stringField(raw, f.lastRefreshed); ts != "" {
		p.LastRefreshed, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return &profileDoc{key: key, shape: s, raw: raw, profile: p}, nil
}

// apply merges refreshed values into the raw document using the document's
// own field names. The grant token field is left untouched.
func (d *profileDoc) apply(apiKey, email, name string, at time.Time) {
	f := fieldsByShape[d.shape]
	d.raw[f.apiKey] = apiKey
	if email != "" {
		d.raw[f.email] = email
	}
	if name != "" {
		d.raw[f.name] = name
	}
	d.raw[f.lastRefreshed] = at.UTC().Format(time.RFC3339Nano)
}

// stringField reads a string or number field as a string.
func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
