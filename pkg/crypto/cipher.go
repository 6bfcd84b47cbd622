package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

// ErrMalformed is returned when a sealed value cannot be decoded.
var ErrMalformed = errors.New("crypto: malformed ciphertext")

// deriveKey normalizes key material to 32 bytes using SHA-256.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Sealer encrypts project environment values at rest with AES-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from arbitrary secret material.
func NewSealer(secret string) (Sealer, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return Sealer{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Sealer{}, err
	}
	return Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext and returns base64(nonce|ciphertext).
func (s Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s Sealer) Open(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return "", ErrMalformed
	}
	plain, err := s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
