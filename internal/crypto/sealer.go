// Package crypto seals credential payloads at rest.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyLen is the required sealing key length.
const KeyLen = chacha20poly1305.KeySize

// ErrCiphertextTooShort is returned for blobs shorter than one nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts payloads with XChaCha20-Poly1305. Output layout is
// nonce||ciphertext; the credential ID is bound as associated data so a blob
// cannot be replayed onto another credential row.
type Sealer struct {
	key []byte
}

// NewSealer validates key and returns a Sealer.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeyLen, len(key))
	}
	k := make([]byte, KeyLen)
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal encrypts plaintext for the credential id.
func (s *Sealer) Seal(id string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(id)), nil
}

// Open decrypts a blob produced by Seal for the same credential id.
func (s *Sealer) Open(id string, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], []byte(id))
	if err != nil {
		return nil, fmt.Errorf("opening payload for %s: %w", id, err)
	}
	return plaintext, nil
}
