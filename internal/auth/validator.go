// Package auth makes the basic web security checks every endpoint runs
// before any flow logic: the trusted origin gate and the double-submit CSRF
// check.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgellow/oauth-agent/internal/oauth"
)

// Options selects which checks apply to a request. GET requests issued
// same-site may omit the Origin header, so callers decide per endpoint
// whether the origin gate applies.
type Options struct {
	RequireTrustedOrigin bool
	RequireCSRFHeader    bool
}

// Validator checks inbound requests against the configured trust policy.
type Validator struct {
	trustedOrigins []string
	csrfHeader     string
}

// NewValidator creates a validator for the given trusted origins. The CSRF
// header name is derived from the cookie name prefix so multiple agents on
// one domain use distinct headers.
func NewValidator(trustedOrigins []string, cookieNamePrefix string) *Validator {
	return &Validator{
		trustedOrigins: trustedOrigins,
		csrfHeader:     fmt.Sprintf("x-%s-csrf", cookieNamePrefix),
	}
}

// CSRFHeaderName returns the custom header the SPA must echo the CSRF token in.
func (v *Validator) CSRFHeaderName() string {
	return v.csrfHeader
}

// Validate runs the selected checks. csrfCookieValue is the already-decrypted
// CSRF cookie plaintext ("" when absent). Any violation returns a 401
// unauthorized_request error; a missing CSRF header and a mismatched one fail
// identically.
func (v *Validator) Validate(r *http.Request, opts Options, csrfCookieValue string) error {
	if opts.RequireTrustedOrigin {
		origin := r.Header.Get("Origin")
		if !v.isTrustedOrigin(origin) {
			return oauth.NewUnauthorizedError(fmt.Sprintf("the call is from an untrusted web origin: %q", origin))
		}
	}

	if opts.RequireCSRFHeader {
		header := r.Header.Get(v.csrfHeader)
		if header == "" {
			return oauth.NewUnauthorizedError("no CSRF header was supplied in a POST request")
		}

		if csrfCookieValue == "" ||
			subtle.ConstantTimeCompare([]byte(header), []byte(csrfCookieValue)) != 1 {
			return oauth.NewUnauthorizedError("the CSRF header did not match the CSRF cookie in a POST request")
		}
	}

	return nil
}

func (v *Validator) isTrustedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, trusted := range v.trustedOrigins {
		if strings.EqualFold(origin, trusted) {
			return true
		}
	}
	return false
}
