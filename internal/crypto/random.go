package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// RandomToken creates a cryptographically secure random token: 256 bits,
// base64url-encoded without padding. Used for the OAuth state parameter and
// the CSRF token.
func RandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeVerifierPair generates a PKCE code verifier and its S256 challenge
// per RFC 7636. S256 is the only supported challenge method.
func CodeVerifierPair() (verifier, challenge string, err error) {
	verifier, err = RandomToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}

	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge, nil
}
