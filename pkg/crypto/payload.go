// Package crypto seals event payloads at rest and signs webhook bodies.
//
// Sealed values carry the "enc:v1:" prefix over base64(nonce||ciphertext),
// so stream entries written before a tenant enabled encryption keep reading
// back as plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "enc:v1:"

// hkdfInfo binds derived keys to payload sealing so the same master secret
// can back other derivations without key reuse.
const hkdfInfo = "apix-payload-encryption"

// PayloadCipher seals and opens one tenant's payloads under a key derived
// from the master secret. Safe for concurrent use.
type PayloadCipher struct {
	aead cipher.AEAD
}

// derivePayloadCipher expands the master secret through HKDF-SHA256 keyed by
// purpose. One purpose per tenant gives each tenant an independent data key.
func derivePayloadCipher(master []byte, purpose string) (*PayloadCipher, error) {
	r := hkdf.New(sha256.New, master, []byte(hkdfInfo), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &PayloadCipher{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh nonce and returns the prefixed
// base64 form stored in the stream entry.
func (pc *PayloadCipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, pc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := pc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix pass through
// unchanged; they predate encryption for this tenant.
func (pc *PayloadCipher) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: sealed payload is not base64: %w", err)
	}
	ns := pc.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("crypto: sealed payload shorter than nonce")
	}
	plain, err := pc.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open payload: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value carries the sealed prefix.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}
