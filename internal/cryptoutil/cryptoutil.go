// Package cryptoutil provides authenticated symmetric encryption for
// secrets stored at rest: tenant JWT secrets, JWK material, S3 secret keys.
package cryptoutil

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCiphertextTooShort is returned when a decrypt input is shorter than
// the minimum nonce+tag length.
var ErrCiphertextTooShort = errors.New("cryptoutil: ciphertext too short")

// Box wraps a single deployment-wide encryption key and performs
// ChaCha20-Poly1305 AEAD encrypt/decrypt of secret-at-rest values.
type Box struct {
	aead chacha20poly1305.AEAD
}

// NewBox builds a Box from a 32-byte key, typically ENCRYPTION_KEY decoded
// from base64 or used raw if already 32 bytes.
func NewBox(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new aead: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewBoxFromString derives a Box's key material from an arbitrary-length
// passphrase the same way ENCRYPTION_KEY is supplied in the environment:
// if it decodes as 32 bytes of base64 it is used verbatim, otherwise it is
// hashed into a 32-byte key.
func NewBoxFromString(s string) (*Box, error) {
	key, err := normalizeKey(s)
	if err != nil {
		return nil, err
	}
	return NewBox(key)
}

// Encrypt returns nonce||ciphertext||tag, base64-encoded, safe to store in
// a text column.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cryptoutil: nonce: %w", err)
	}
	ct := b.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode: %w", err)
	}
	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: open: %w", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for the common case of secrets
// that are themselves strings (DSNs, JWT secrets, access keys).
func (b *Box) EncryptString(s string) (string, error) { return b.Encrypt([]byte(s)) }

// DecryptString reverses EncryptString.
func (b *Box) DecryptString(encoded string) (string, error) {
	pt, err := b.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func normalizeKey(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) == chacha20poly1305.KeySize {
		return decoded, nil
	}
	if len(s) == chacha20poly1305.KeySize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("cryptoutil: key must be %d bytes (raw or base64-encoded), got %d", chacha20poly1305.KeySize, len(s))
}

// RandomSecret returns n cryptographically random bytes, used for
// generating JWT secrets, S3 access/secret key material, and raw HS512
// JWK content.
func RandomSecret(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("cryptoutil: random secret: %w", err)
	}
	return buf, nil
}
