package db

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
	"github.com/pysugar/mcp-auth-gateway/internal/crypto"
	"github.com/pysugar/mcp-auth-gateway/internal/db/dbtest"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{1}, crypto.KeyLen))
	require.NoError(t, err)
	repo := NewCredentialRepo(dbtest.Open(t), sealer)

	cred, err := repo.Create(ctx, "user-1", "xano", &credential.Decrypted{
		AuthType: credential.AuthTypeAPIKey,
		APIKey:   &credential.APIKeyPayload{APIKey: "key-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, cred.Status)
	assert.NotContains(t, string(cred.EncryptedPayload), "key-1")

	raw, err := sealer.Open(cred.ID, cred.EncryptedPayload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"api_key":"key-1"}`, string(raw))

	require.NoError(t, repo.UpdateStatus(ctx, cred.ID, credential.StatusRevoked))
	until := time.Now().Add(5 * time.Minute).UTC()
	require.NoError(t, repo.SetValidationCachedUntil(ctx, cred.ID, &until))

	got, err := repo.Get(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusRevoked, got.Status)
	require.NotNil(t, got.ValidationCachedUntil)

	list, err := repo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, repo.UpdateStatus(ctx, "missing", credential.StatusActive), store.ErrNotFound)
}
