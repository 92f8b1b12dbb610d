// Package crypto covers the billing store's two pieces of secret
// material: API keys are stored and looked up as SHA-256 hashes, and
// customer-supplied provider credentials (BYOK) are sealed with AES-GCM
// under a key derived from the deployment's encryption secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Encryptor seals and opens BYOK provider credentials. The AEAD is built
// once at construction; the cipher key is the SHA-256 of the configured
// secret, so any secret string yields a valid 32-byte key.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(secret string) (*Encryptor, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is
// prepended to the ciphertext and the whole blob is base64-encoded for
// storage in a text column.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	n := e.aead.NonceSize()
	if len(raw) < n {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// HashAPIKey is the deterministic lookup value for the keys table. The
// raw key is never stored.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
