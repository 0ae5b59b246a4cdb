// Package cookie maps the agent's semantic cookie roles onto wire-level
// cookies. Every value is encrypted with the cookie cipher before it reaches
// the browser, and decryption failures on read paths degrade to "absent"
// because browsers may hold cookies issued under a rotated key.
package cookie

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/oauth-agent/internal/config"
	"github.com/dgellow/oauth-agent/internal/crypto"
	"github.com/dgellow/oauth-agent/internal/log"
	"github.com/dgellow/oauth-agent/internal/oauth"
)

// Role identifies one of the five session cookies.
type Role string

const (
	RoleLogin   Role = "login"
	RoleRefresh Role = "refresh"
	RoleAccess  Role = "access"
	RoleID      Role = "id"
	RoleCSRF    Role = "csrf"
)

// Cookie name suffixes are fixed per role; the prefix is operator-configured
// so multiple agents can coexist on one domain.
var suffixes = map[Role]string{
	RoleLogin:   "login",
	RoleRefresh: "auth",
	RoleAccess:  "at",
	RoleID:      "id",
	RoleCSRF:    "csrf",
}

// TempLoginData is the login-attempt state held between the authorization
// request and the callback, serialized to JSON inside the login cookie.
type TempLoginData struct {
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier"`
}

// Store builds, reads and expires the session cookie set.
type Store struct {
	prefix   string
	domain   string
	secure   bool
	basePath string
	encKey   string
}

// NewStore creates a cookie store from the cookie configuration. basePath
// scopes the refresh and id cookies to the only endpoints that need them.
func NewStore(cfg config.CookieConfig, basePath string) *Store {
	return &Store{
		prefix:   cfg.NamePrefix,
		domain:   cfg.Domain,
		secure:   cfg.Secure,
		basePath: basePath,
		encKey:   string(cfg.EncryptionKey),
	}
}

// Name returns the wire-level cookie name for a role.
func (s *Store) Name(role Role) string {
	return fmt.Sprintf("%s-%s", s.prefix, suffixes[role])
}

func (s *Store) path(role Role) string {
	switch role {
	case RoleRefresh:
		return s.basePath + "/refresh"
	case RoleID:
		return s.basePath + "/claims"
	default:
		return "/"
	}
}

func (s *Store) create(role Role, value string) *http.Cookie {
	return &http.Cookie{
		Name:     s.Name(role),
		Value:    value,
		Domain:   s.domain,
		Path:     s.path(role),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *Store) expired(role Role) *http.Cookie {
	c := s.create(role, "")
	// An expiry in the past is the only supported deletion mechanism
	c.Expires = time.Now().Add(-24 * time.Hour)
	return c
}

func (s *Store) encrypt(value string) (string, error) {
	return crypto.EncryptCookie(s.encKey, value)
}

// ReadSafe returns the decrypted value of a cookie, or "" when the cookie is
// absent, blank, or fails decryption. A decryption failure here is expected
// after a key rotation, so it is logged quietly and swallowed.
func (s *Store) ReadSafe(r *http.Request, role Role) string {
	c, err := r.Cookie(s.Name(role))
	if err != nil || c.Value == "" {
		return ""
	}

	plaintext, err := crypto.DecryptCookie(s.encKey, c.Value)
	if err != nil {
		log.LogDebugWithFields("cookie", "Discarding undecryptable cookie", map[string]any{
			"cookie": s.Name(role),
			"error":  err.Error(),
		})
		return ""
	}

	return plaintext
}

// WriteLoginState issues the temporary login cookie holding the state and
// PKCE verifier for the in-flight authorization request.
func (s *Store) WriteLoginState(w http.ResponseWriter, state, codeVerifier string) error {
	serialized, err := json.Marshal(TempLoginData{State: state, CodeVerifier: codeVerifier})
	if err != nil {
		return fmt.Errorf("serializing login state: %w", err)
	}

	encrypted, err := s.encrypt(string(serialized))
	if err != nil {
		return fmt.Errorf("encrypting login cookie: %w", err)
	}

	http.SetCookie(w, s.create(RoleLogin, encrypted))
	return nil
}

// ReadLoginState reads back the login cookie. ok is false when the cookie is
// missing, undecryptable or malformed.
func (s *Store) ReadLoginState(r *http.Request) (data TempLoginData, ok bool) {
	plaintext := s.ReadSafe(r, RoleLogin)
	if plaintext == "" {
		return TempLoginData{}, false
	}

	if err := json.Unmarshal([]byte(plaintext), &data); err != nil {
		log.LogDebugWithFields("cookie", "Discarding malformed login cookie", map[string]any{
			"error": err.Error(),
		})
		return TempLoginData{}, false
	}

	return data, true
}

// WriteTokenCookies writes the access token cookie, and the refresh and id
// cookies only when the response contains them. A refresh grant that omits
// them leaves the browser's existing cookies in place.
func (s *Store) WriteTokenCookies(w http.ResponseWriter, tokens oauth.TokenResponse) error {
	access, err := s.encrypt(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token cookie: %w", err)
	}
	http.SetCookie(w, s.create(RoleAccess, access))

	if tokens.RefreshToken != "" {
		refresh, err := s.encrypt(tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token cookie: %w", err)
		}
		http.SetCookie(w, s.create(RoleRefresh, refresh))
	}

	if tokens.IDToken != "" {
		id, err := s.encrypt(tokens.IDToken)
		if err != nil {
			return fmt.Errorf("encrypting id token cookie: %w", err)
		}
		http.SetCookie(w, s.create(RoleID, id))
	}

	return nil
}

// WriteSession writes the full post-login cookie set: token cookies, the CSRF
// cookie, and an immediately expired login cookie.
func (s *Store) WriteSession(w http.ResponseWriter, tokens oauth.TokenResponse, csrfToken string) error {
	if err := s.WriteTokenCookies(w, tokens); err != nil {
		return err
	}

	csrf, err := s.encrypt(csrfToken)
	if err != nil {
		return fmt.Errorf("encrypting csrf cookie: %w", err)
	}
	http.SetCookie(w, s.create(RoleCSRF, csrf))

	s.ExpireLogin(w)
	return nil
}

// ExpireLogin expires the temporary login cookie.
func (s *Store) ExpireLogin(w http.ResponseWriter) {
	http.SetCookie(w, s.expired(RoleLogin))
}

// ExpireAll expires the whole session cookie set except the login cookie,
// which the login flow handles inline.
func (s *Store) ExpireAll(w http.ResponseWriter) {
	for _, role := range []Role{RoleAccess, RoleRefresh, RoleID, RoleCSRF} {
		http.SetCookie(w, s.expired(role))
	}
}
