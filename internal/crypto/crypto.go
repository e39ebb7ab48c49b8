// Package crypto encrypts queued payloads at rest.
// Lead payloads carry personal data (names, phones, addresses), so the local
// store can keep them sealed with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// sealedPrefix marks payload columns holding ciphertext.
const sealedPrefix = "enc:"

// Encrypt encrypts plaintext using AES-256-GCM.
// The key is derived from the input using SHA-256.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives a payload key from a configured secret.
func DeriveKey(secret string) []byte {
	hash := sha256.Sum256([]byte("fieldsync:" + secret))
	return hash[:]
}

// PayloadCipher seals and opens payload columns. A nil *PayloadCipher, or one
// without a key, stores payloads as plaintext.
type PayloadCipher struct {
	key []byte
}

// NewPayloadCipher returns a cipher for secret, or nil when secret is empty.
func NewPayloadCipher(secret string) *PayloadCipher {
	if secret == "" {
		return nil
	}
	return &PayloadCipher{key: DeriveKey(secret)}
}

// Seal encrypts a payload for storage.
func (c *PayloadCipher) Seal(payload []byte) (string, error) {
	if c == nil {
		return string(payload), nil
	}
	ct, err := Encrypt(payload, c.key)
	if err != nil {
		return "", err
	}
	return sealedPrefix + ct, nil
}

// Open reverses Seal. Plaintext rows (written before a key was configured)
// are returned unchanged.
func (c *PayloadCipher) Open(stored string) ([]byte, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return []byte(stored), nil
	}
	if c == nil {
		return nil, ErrInvalidKey
	}
	return Decrypt(strings.TrimPrefix(stored, sealedPrefix), c.key)
}
