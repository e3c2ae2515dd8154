package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	assert.Len(t, id, 8)
	assert.NotEqual(t, id, GenerateRequestID())
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))

	ctx = WithRequestID(ctx, "test1234")
	assert.Equal(t, "test1234", GetRequestID(ctx))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("adopts caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set(RequestIDHeader, "abc123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "abc123", seen)
		assert.Equal(t, "abc123", rec.Header().Get(RequestIDHeader))
	})

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

		require.Len(t, seen, 8)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := New("debug", true)
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = New("loud", false)
	require.Error(t, err)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", MaskToken("short"))
	assert.Equal(t, "...123456", MaskToken("expired_token_123456"))
}
