package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte{7}, KeyLen))
	require.NoError(t, err)
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := testSealer(t)
	plain := []byte(`{"api_key":"k-123"}`)

	blob, err := s.Seal("cred-1", plain)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "k-123")

	got, err := s.Open("cred-1", blob)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestSealUsesFreshNonce(t *testing.T) {
	s := testSealer(t)
	a, err := s.Seal("cred-1", []byte("same"))
	require.NoError(t, err)
	b, err := s.Seal("cred-1", []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsOtherCredential(t *testing.T) {
	s := testSealer(t)
	blob, err := s.Seal("cred-1", []byte("secret"))
	require.NoError(t, err)

	_, err = s.Open("cred-2", blob)
	require.Error(t, err)
}

func TestOpenShortBlob(t *testing.T) {
	_, err := testSealer(t).Open("cred-1", []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNewSealerKeyLength(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	require.Error(t, err)
}
