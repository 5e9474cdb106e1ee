package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// MaskedAPIKey is the placeholder served to admin clients instead of a
// stored key. A PUT carrying this placeholder preserves the prior key.
const MaskedAPIKey = "••••••••"

const encPrefix = "ENC["

var scryptSalt = []byte("promptgate.model-keys.v1")

// deriveKey stretches the platform secret into an AES-256 key.
func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("platform secret is required for API key encryption")
	}
	return scrypt.Key([]byte(secret), scryptSalt, 1<<15, 8, 1, 32)
}

// EncryptAPIKey encrypts a per-model API key with AES-256-GCM. The stored
// form is "ENC[" + base64(iv || tag || ciphertext) + "]".
func EncryptAPIKey(plaintext, secret string) (string, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagSize := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	buf = append(buf, iv...)
	buf = append(buf, tag...)
	buf = append(buf, ciphertext...)

	return encPrefix + base64.StdEncoding.EncodeToString(buf) + "]", nil
}

// DecryptAPIKey reverses EncryptAPIKey. A value without the ENC[ prefix is
// returned unchanged so plaintext keys in hand-edited files keep working.
func DecryptAPIKey(stored, secret string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(strings.TrimPrefix(stored, encPrefix), "]"))
	if err != nil {
		return "", fmt.Errorf("malformed encrypted API key: %w", err)
	}

	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	tagSize := gcm.Overhead()
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("encrypted API key too short")
	}

	iv := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ciphertext := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt API key: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored key is in encrypted form.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, encPrefix) && strings.HasSuffix(stored, "]")
}
