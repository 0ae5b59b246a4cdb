package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/oauth-agent/internal/config"
	"golang.org/x/oauth2"
)

const upstreamTimeout = 20 * time.Second

// Client talks to the authorization server's token and userinfo endpoints.
// It holds one pooled HTTP client for the process lifetime; per-request
// clients would defeat connection reuse. Client credentials are sent as HTTP
// Basic authentication. No call is ever retried here: an authorization code
// is single-use, so retry policy belongs to the SPA.
type Client struct {
	conf                  *oauth2.Config
	userInfoURL           string
	logoutURL             string
	postLogoutRedirectURI string
	httpClient            *http.Client
}

// NewClient creates the authorization server client from the agent config.
func NewClient(cfg config.AgentConfig) *Client {
	return &Client{
		conf: &oauth2.Config{
			ClientID:     cfg.Client.ID,
			ClientSecret: string(cfg.Client.Secret),
			RedirectURL:  cfg.Client.RedirectURI,
			Scopes:       strings.Fields(cfg.Client.Scope),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.Endpoints.Authorize,
				TokenURL:  cfg.Endpoints.Token,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		userInfoURL:           cfg.Endpoints.UserInfo,
		logoutURL:             cfg.Endpoints.Logout,
		postLogoutRedirectURI: cfg.Client.PostLogoutRedirectURI,
		httpClient:            &http.Client{Timeout: upstreamTimeout},
	}
}

// withHTTPClient routes the oauth2 package's calls through the shared client.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// RedeemCode exchanges an authorization code and its PKCE verifier for tokens.
func (c *Client) RedeemCode(ctx context.Context, code, codeVerifier string) (TokenResponse, error) {
	tok, err := c.conf.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return TokenResponse{}, classifyTokenError(GrantAuthorizationCode, err)
	}

	return tokenResponseFrom(tok), nil
}

// Refresh runs a refresh token grant. When the authorization server does not
// rotate the refresh token, the response's RefreshToken is left empty so the
// browser's existing cookie stays untouched.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	source := c.conf.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		return TokenResponse{}, classifyTokenError(GrantRefreshToken, err)
	}

	resp := tokenResponseFrom(tok)
	// The oauth2 package echoes the request's refresh token back when the
	// response omits one; only a rotated token needs rewriting.
	if resp.RefreshToken == refreshToken {
		resp.RefreshToken = ""
	}
	return resp, nil
}

// FetchUserInfo calls the userinfo endpoint with the supplied access token.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.userInfoURL, nil)
	if err != nil {
		return nil, NewAuthorizationServerError("failed to build userinfo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewAuthorizationServerError("connectivity problem during a userinfo request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewAuthorizationServerError("failed to read userinfo response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, NewAuthorizationServerError(
			fmt.Sprintf("server error response executing %s: %s", GrantUserInfo, body), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, NewAuthorizationClientError(GrantUserInfo, resp.StatusCode, string(body))
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, NewAuthorizationServerError("failed to parse userinfo response", err)
	}

	return claims, nil
}

// EndSessionURL builds the URL the SPA navigates to for a logout at the
// authorization server.
func (c *Client) EndSessionURL() string {
	if c.logoutURL == "" {
		return ""
	}

	params := url.Values{}
	params.Set("client_id", c.conf.ClientID)
	if c.postLogoutRedirectURI != "" {
		params.Set("post_logout_redirect_uri", c.postLogoutRedirectURI)
	}
	return c.logoutURL + "?" + params.Encode()
}

func tokenResponseFrom(tok *oauth2.Token) TokenResponse {
	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = id
	}
	return resp
}

// classifyTokenError maps an oauth2 retrieval failure onto the taxonomy. A
// received response classifies by status; anything else is a connectivity
// problem and the authorization server is reported unreachable.
func classifyTokenError(grant GrantType, err error) *Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		if rerr.Response.StatusCode >= 500 {
			return NewAuthorizationServerError(
				fmt.Sprintf("server error response executing %s: %s", grant, rerr.Body), err)
		}
		return NewAuthorizationClientError(grant, rerr.Response.StatusCode, string(rerr.Body))
	}

	return NewAuthorizationServerError(
		fmt.Sprintf("connectivity problem during a %s grant", grant), err)
}
