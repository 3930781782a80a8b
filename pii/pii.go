// Package pii encrypts student-identifying fields (email, external id)
// before persistence and decrypts them for non-privacy-mode consumers.
//
// Encryption is deterministic: the nonce is derived from the plaintext via
// HMAC-SHA256, so equal plaintexts produce equal ciphertexts. This is
// required — the encrypted email is both an upsert key and the join key
// between enrollments and review-time records.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher encrypts and decrypts opaque identity strings.
type Cipher struct {
	key      []byte
	nonceKey []byte
}

// New builds a Cipher from a 64-hex-char key.
func New(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("pii-nonce"))
	return &Cipher{key: key, nonceKey: mac.Sum(nil)}, nil
}

// Encrypt returns a URL-safe token for s. Equal inputs yield equal tokens.
func (c *Cipher) Encrypt(s string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, c.nonceKey)
	mac.Write([]byte(s))
	nonce := mac.Sum(nil)[:chacha20poly1305.NonceSizeX]

	sealed := aead.Seal(nonce, nonce, []byte(s), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tokens that were not produced by this key fail.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("malformed identity token: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("malformed identity token: too short")
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("identity token failed authentication: %w", err)
	}
	return string(plain), nil
}
