// Package vault provides reversible encryption for tenant credentials.
//
// Ciphertexts are "v1:" followed by base64(nonce || sealed) using
// XChaCha20-Poly1305 with a random 24-byte nonce. The tenant id is bound as
// additional data, so a ciphertext copied to another tenant row fails to open.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefixV1 = "v1:"

var (
	ErrInvalidKey    = errors.New("vault: key must be 32 bytes, base64 encoded")
	ErrMalformed     = errors.New("vault: malformed ciphertext")
	ErrDecryptFailed = errors.New("vault: decrypt failed")
)

type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a base64 (std or url alphabet) encoded 32-byte key.
func New(encodedKey string) (*Vault, error) {
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// GenerateKey returns a fresh random key in the encoding New accepts.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plain for the given tenant.
func (v *Vault) Encrypt(tenantID, plain string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plain)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plain), []byte(tenantID))
	return prefixV1 + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same tenant.
func (v *Vault) Decrypt(tenantID, cipherText string) (string, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(cipherText), prefixV1)
	if !ok {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil || len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		return "", ErrMalformed
	}
	ns := v.aead.NonceSize()
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], []byte(tenantID))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}
