package oauth

import (
	"net/url"

	"github.com/dgellow/oauth-agent/internal/crypto"
	"golang.org/x/oauth2"
)

// ExtraParam is a caller-supplied authorization request parameter. This is
// the extension point for richer OpenID Connect requests (claims, ui_locales,
// pushed authorization) without touching the rest of the flow.
type ExtraParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AuthorizationRequest is the outcome of starting a login: the URL the
// browser must navigate to, plus the state and PKCE verifier to stash in the
// login cookie until the callback.
type AuthorizationRequest struct {
	URL          string
	State        string
	CodeVerifier string
}

// CreateAuthorizationRequest builds the authorization code + PKCE request
// with fresh random state and verifier. The agent never redirects itself;
// the SPA performs the navigation.
func (c *Client) CreateAuthorizationRequest(extraParams []ExtraParam) (AuthorizationRequest, error) {
	state, err := crypto.RandomToken()
	if err != nil {
		return AuthorizationRequest{}, err
	}

	verifier, challenge, err := crypto.CodeVerifierPair()
	if err != nil {
		return AuthorizationRequest{}, err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	for _, param := range extraParams {
		opts = append(opts, oauth2.SetAuthURLParam(param.Key, param.Value))
	}

	return AuthorizationRequest{
		URL:          c.conf.AuthCodeURL(state, opts...),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// QueryParams holds whatever OAuth response parameters the front channel
// redirect carried back. A URL with neither code+state nor error is not an
// OAuth response at all (a plain page load).
type QueryParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IsOAuthResponse reports whether the page URL is an authorization response.
func (q QueryParams) IsOAuthResponse() bool {
	return (q.Code != "" && q.State != "") || q.Error != ""
}

// ParseQueryParams extracts OAuth response parameters from the page URL the
// SPA observed after the redirect.
func ParseQueryParams(pageURL string) (QueryParams, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return QueryParams{}, NewInvalidRequestError("the pageUrl field could not be parsed")
	}

	q := u.Query()
	return QueryParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}, nil
}
