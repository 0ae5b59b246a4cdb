// Package crypto implements the authenticated cookie cipher and the random
// material used by the login flow (state, CSRF token, PKCE verifier).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	versionSize    = 1
	gcmNonceSize   = 12
	gcmTagSize     = 16
	currentVersion = 1
)

// ErrCookieDecryption is returned for every decryption failure past the
// structural checks. Callers must not be able to tell a tampered envelope
// from a wrong key or corrupt data.
var ErrCookieDecryption = errors.New("cookie decryption failed")

// EncryptCookie encrypts a cookie payload with AES-256-GCM under the
// hex-encoded key and returns the envelope: version || nonce || ciphertext ||
// tag, base64url-encoded without padding. The nonce is drawn fresh from
// crypto/rand on every call.
func EncryptCookie(encKeyHex, plaintext string) (string, error) {
	key, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return "", fmt.Errorf("decoding cookie encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	envelope := make([]byte, 0, versionSize+gcmNonceSize+len(plaintext)+gcmTagSize)
	envelope = append(envelope, currentVersion)
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, []byte(plaintext), nil)

	return base64.RawURLEncoding.EncodeToString(envelope), nil
}

// DecryptCookie reverses EncryptCookie. Structural problems (length, version)
// are rejected before the cipher is touched; everything after that folds into
// ErrCookieDecryption.
func DecryptCookie(encKeyHex, envelope string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("cookie is not valid base64url: %w", ErrCookieDecryption)
	}

	minSize := versionSize + gcmNonceSize + 1 + gcmTagSize
	if len(raw) < minSize {
		return "", fmt.Errorf("cookie has an invalid length: %w", ErrCookieDecryption)
	}

	if raw[0] != currentVersion {
		return "", fmt.Errorf("cookie has an unrecognized format version: %w", ErrCookieDecryption)
	}

	key, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return "", ErrCookieDecryption
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrCookieDecryption
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrCookieDecryption
	}

	nonce := raw[versionSize : versionSize+gcmNonceSize]
	ciphertext := raw[versionSize+gcmNonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrCookieDecryption
	}

	return string(plaintext), nil
}
