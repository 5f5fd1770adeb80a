// Package seal provides optional symmetric encryption of relay payloads
// before they enter the coordination store. The key is the pairing master
// key; a nil *Sealer passes payloads through untouched.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// Sealer encrypts and decrypts payload blobs with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// New derives a sealer from the pairing master key. Any nonempty string
// works as a key; it is hashed to 256 bits.
func New(masterKey string) (*Sealer, error) {
	if masterKey == "" {
		return nil, errors.New("master key is empty")
	}
	sum := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// GenerateMasterKey returns a fresh random key suitable for a pairing
// payload.
func GenerateMasterKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Seal encrypts plaintext. A nil sealer returns the input unchanged.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. A nil sealer returns the input
// unchanged.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if s == nil {
		return ciphertext, nil
	}
	n := s.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// Enabled reports whether payloads will actually be encrypted.
func (s *Sealer) Enabled() bool { return s != nil }
