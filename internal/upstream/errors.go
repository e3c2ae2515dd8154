package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is the structured failure returned for upstream calls. Status is
// zero when no HTTP response was received.
type APIError struct {
	Message string `json:"error"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "upstream: " + e.Message
	}
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// Unauthorized reports a 401.
func (e *APIError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

// Definitive reports a client-side rejection (4xx) as opposed to a transport
// failure or a server error, which say nothing about credential validity.
func (e *APIError) Definitive() bool { return e.Status >= 400 && e.Status < 500 }

func networkError(err error) *APIError {
	return &APIError{Message: err.Error()}
}

// errorFromResponse extracts message and code from a non-2xx body. The
// backend uses {"message","code"}; other services use {"error"}.
func errorFromResponse(resp *response) *APIError {
	apiErr := &APIError{Status: resp.status}

	var doc struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
		Code    flexString      `json:"code"`
	}
	if err := json.Unmarshal(resp.body, &doc); err == nil {
		apiErr.Message = doc.Message
		apiErr.Code = string(doc.Code)
		if apiErr.Message == "" && len(doc.Error) > 0 {
			var s string
			if json.Unmarshal(doc.Error, &s) == nil {
				apiErr.Message = s
			} else {
				apiErr.Message = string(doc.Error)
			}
		}
	} else if text := strings.TrimSpace(string(resp.body)); text != "" {
		apiErr.Message = text
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.status)
	}
	return apiErr
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
