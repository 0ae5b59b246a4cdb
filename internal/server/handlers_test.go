package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/oauth-agent/internal/config"
	"github.com/dgellow/oauth-agent/internal/cookie"
	"github.com/dgellow/oauth-agent/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin   = "https://www.example.com"
	testIssuer   = "https://login.example.com/oauth/anonymous"
	testClientID = "spa-client"
	testKey      = "4e4636356d65563e4c73233847503e3b21436e6f7629724950526f4b5e2e4e4f"
)

type testAgent struct {
	handlers *AgentHandlers
	mux      *http.ServeMux
}

// newTestAgent builds the handlers against a stubbed authorization server.
// asHandler may be nil when a test never reaches the back channel.
func newTestAgent(t *testing.T, asHandler http.Handler) *testAgent {
	t.Helper()

	asURL := "https://login.example.com"
	if asHandler != nil {
		srv := httptest.NewServer(asHandler)
		t.Cleanup(srv.Close)
		asURL = srv.URL
	}

	cfg := config.AgentConfig{
		Addr:           ":0",
		BasePath:       "/oauth-agent",
		TrustedOrigins: []string{testOrigin},
		Client: config.ClientConfig{
			ID:                    testClientID,
			Secret:                config.Secret("secret1"),
			RedirectURI:           testOrigin + "/",
			PostLogoutRedirectURI: testOrigin + "/",
			Scope:                 "openid profile",
		},
		Endpoints: config.EndpointsConfig{
			Authorize: asURL + "/oauth/authorize",
			Token:     asURL + "/oauth/token",
			UserInfo:  asURL + "/oauth/userinfo",
			Logout:    asURL + "/oauth/logout",
			Issuer:    testIssuer,
		},
		Cookies: config.CookieConfig{
			NamePrefix:    "example",
			Domain:        "api.example.com",
			Secure:        true,
			EncryptionKey: config.Secret(testKey),
		},
	}

	handlers := NewAgentHandlers(cfg)
	mux := http.NewServeMux()
	handlers.Register(mux)

	return &testAgent{
		handlers: handlers,
		mux:      mux,
	}
}

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()

	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("signature"))
}

func validIDToken(t *testing.T) string {
	return makeJWT(t, map[string]any{"iss": testIssuer, "aud": testClientID, "sub": "user1"})
}

// stubTokenEndpoint answers the token endpoint with a fixed grant response.
func stubTokenEndpoint(t *testing.T, response map[string]any) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(response))
	})
}

func (a *testAgent) do(t *testing.T, method, path, body string, cookies []*http.Cookie, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Origin", testOrigin)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no Set-Cookie for %s", name)
	return nil
}

func encryptedCookie(t *testing.T, name, plaintext string) *http.Cookie {
	t.Helper()
	value, err := crypto.EncryptCookie(testKey, plaintext)
	require.NoError(t, err)
	return &http.Cookie{Name: name, Value: value}
}

func assertErrorResponse(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, code, body["code"])
	assert.NotEmpty(t, body["message"])
}

func TestStartLogin(t *testing.T) {
	t.Run("returns the authorization request URL", func(t *testing.T) {
		a := newTestAgent(t, nil)

		rec := a.do(t, http.MethodPost, "/oauth-agent/login/start", "", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			AuthorizationRequestURL string `json:"authorizationRequestUrl"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

		u, err := url.Parse(body.AuthorizationRequestURL)
		require.NoError(t, err)
		assert.Equal(t, "/oauth/authorize", u.Path)
		assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
		assert.NotEmpty(t, u.Query().Get("state"))

		login := cookieByName(t, rec, "example-login")
		assert.True(t, login.HttpOnly)
		assert.NotEmpty(t, login.Value)
	})

	t.Run("accepts extra authorization parameters", func(t *testing.T) {
		a := newTestAgent(t, nil)

		body := `{"extraParams":[{"key":"ui_locales","value":"sv"}]}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/start", body, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			AuthorizationRequestURL string `json:"authorizationRequestUrl"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		u, err := url.Parse(resp.AuthorizationRequestURL)
		require.NoError(t, err)
		assert.Equal(t, "sv", u.Query().Get("ui_locales"))
	})

	t.Run("rejects an untrusted origin", func(t *testing.T) {
		a := newTestAgent(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/oauth-agent/login/start", nil)
		req.Header.Set("Origin", "https://evil.example.net")
		rec := httptest.NewRecorder()
		a.mux.ServeHTTP(rec, req)

		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})
}

func TestEndLoginCompletesALogin(t *testing.T) {
	a := newTestAgent(t, stubTokenEndpoint(t, map[string]any{
		"access_token":  "at1",
		"refresh_token": "rt1",
		"id_token":      validIDToken(t),
		"token_type":    "bearer",
		"expires_in":    300,
	}))

	// Start a login to obtain a real state and login cookie
	startRec := a.do(t, http.MethodPost, "/oauth-agent/login/start", "", nil, nil)
	require.Equal(t, http.StatusOK, startRec.Code)

	var startBody struct {
		AuthorizationRequestURL string `json:"authorizationRequestUrl"`
	}
	require.NoError(t, json.Unmarshal(startRec.Body.Bytes(), &startBody))
	u, err := url.Parse(startBody.AuthorizationRequestURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	loginCookie := cookieByName(t, startRec, "example-login")

	// Complete it with the authorization response the SPA observed
	pageURL := testOrigin + "/?code=code123&state=" + state
	body := `{"pageUrl":"` + pageURL + `"}`
	rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, []*http.Cookie{loginCookie}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Handled    bool   `json:"handled"`
		IsLoggedIn bool   `json:"isLoggedIn"`
		CSRF       string `json:"csrf"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Handled)
	assert.True(t, resp.IsLoggedIn)
	assert.NotEmpty(t, resp.CSRF)

	// The session cookie set is issued and the login cookie is expired
	for _, name := range []string{"example-at", "example-auth", "example-id", "example-csrf"} {
		c := cookieByName(t, rec, name)
		assert.NotEmpty(t, c.Value, name)
	}
	login := cookieByName(t, rec, "example-login")
	assert.True(t, login.Expires.Before(time.Now()))
}

func TestEndLoginPageLoad(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		a := newTestAgent(t, nil)

		body := `{"pageUrl":"` + testOrigin + `/"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Handled    bool   `json:"handled"`
			IsLoggedIn bool   `json:"isLoggedIn"`
			CSRF       string `json:"csrf"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Handled)
		assert.False(t, resp.IsLoggedIn)
		assert.Empty(t, resp.CSRF)
	})

	t.Run("existing session returns the csrf token", func(t *testing.T) {
		a := newTestAgent(t, nil)
		csrfCookie := encryptedCookie(t, "example-csrf", "csrf-token-1")

		body := `{"pageUrl":"` + testOrigin + `/"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, []*http.Cookie{csrfCookie}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Handled    bool   `json:"handled"`
			IsLoggedIn bool   `json:"isLoggedIn"`
			CSRF       string `json:"csrf"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Handled)
		assert.True(t, resp.IsLoggedIn)
		assert.Equal(t, "csrf-token-1", resp.CSRF)
	})
}

func TestEndLoginFailures(t *testing.T) {
	loginState := func(t *testing.T, state string) *http.Cookie {
		data, err := json.Marshal(cookie.TempLoginData{State: state, CodeVerifier: "verifier"})
		require.NoError(t, err)
		return encryptedCookie(t, "example-login", string(data))
	}

	t.Run("missing pageUrl", func(t *testing.T) {
		a := newTestAgent(t, nil)
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", `{}`, nil, nil)
		assertErrorResponse(t, rec, http.StatusBadRequest, "invalid_request")
	})

	t.Run("front channel error", func(t *testing.T) {
		a := newTestAgent(t, nil)
		body := `{"pageUrl":"` + testOrigin + `/?error=access_denied&error_description=nope&state=abc"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, nil, nil)
		assertErrorResponse(t, rec, http.StatusBadRequest, "access_denied")
	})

	t.Run("login_required is reported as expiry", func(t *testing.T) {
		a := newTestAgent(t, nil)
		body := `{"pageUrl":"` + testOrigin + `/?error=login_required&state=abc"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, nil, nil)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "login_required")
	})

	t.Run("missing login cookie", func(t *testing.T) {
		a := newTestAgent(t, nil)
		body := `{"pageUrl":"` + testOrigin + `/?code=code123&state=abc"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, nil, nil)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})

	t.Run("state mismatch", func(t *testing.T) {
		a := newTestAgent(t, nil)
		body := `{"pageUrl":"` + testOrigin + `/?code=code123&state=wrong"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, []*http.Cookie{loginState(t, "expected")}, nil)
		assertErrorResponse(t, rec, http.StatusBadRequest, "invalid_request")
	})

	t.Run("code redemption failure expires the login cookie", func(t *testing.T) {
		a := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		}))

		body := `{"pageUrl":"` + testOrigin + `/?code=stale&state=abc"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, []*http.Cookie{loginState(t, "abc")}, nil)
		assertErrorResponse(t, rec, http.StatusBadRequest, "authorization_error")

		login := cookieByName(t, rec, "example-login")
		assert.True(t, login.Expires.Before(time.Now()))
	})

	t.Run("id token from the wrong issuer", func(t *testing.T) {
		bad := makeJWT(t, map[string]any{"iss": "https://evil.example.net", "aud": testClientID})
		a := newTestAgent(t, stubTokenEndpoint(t, map[string]any{
			"access_token": "at1", "refresh_token": "rt1", "id_token": bad,
			"token_type": "bearer", "expires_in": 300,
		}))

		body := `{"pageUrl":"` + testOrigin + `/?code=code123&state=abc"}`
		rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, []*http.Cookie{loginState(t, "abc")}, nil)
		assertErrorResponse(t, rec, http.StatusBadRequest, "invalid_request")
	})
}

func TestRefreshToken(t *testing.T) {
	csrfCookie := func(t *testing.T) *http.Cookie {
		return encryptedCookie(t, "example-csrf", "csrf-token-1")
	}
	csrfHeader := map[string]string{"x-example-csrf": "csrf-token-1"}

	t.Run("rewrites the token cookies", func(t *testing.T) {
		a := newTestAgent(t, stubTokenEndpoint(t, map[string]any{
			"access_token": "at2", "refresh_token": "rt2",
			"token_type": "bearer", "expires_in": 300,
		}))

		cookies := []*http.Cookie{csrfCookie(t), encryptedCookie(t, "example-auth", "rt1")}
		rec := a.do(t, http.MethodPost, "/oauth-agent/refresh", "", cookies, csrfHeader)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		at := cookieByName(t, rec, "example-at")
		plaintext, err := crypto.DecryptCookie(testKey, at.Value)
		require.NoError(t, err)
		assert.Equal(t, "at2", plaintext)

		auth := cookieByName(t, rec, "example-auth")
		plaintext, err = crypto.DecryptCookie(testKey, auth.Value)
		require.NoError(t, err)
		assert.Equal(t, "rt2", plaintext)
	})

	t.Run("missing csrf header", func(t *testing.T) {
		a := newTestAgent(t, nil)
		cookies := []*http.Cookie{csrfCookie(t), encryptedCookie(t, "example-auth", "rt1")}
		rec := a.do(t, http.MethodPost, "/oauth-agent/refresh", "", cookies, nil)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})

	t.Run("tampered refresh cookie", func(t *testing.T) {
		a := newTestAgent(t, nil)
		cookies := []*http.Cookie{csrfCookie(t), {Name: "example-auth", Value: "garbage"}}
		rec := a.do(t, http.MethodPost, "/oauth-agent/refresh", "", cookies, csrfHeader)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})

	t.Run("expired session", func(t *testing.T) {
		a := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"expired"}`))
		}))

		cookies := []*http.Cookie{csrfCookie(t), encryptedCookie(t, "example-auth", "rt-dead")}
		rec := a.do(t, http.MethodPost, "/oauth-agent/refresh", "", cookies, csrfHeader)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "session_expired")
	})
}

func TestUserInfo(t *testing.T) {
	t.Run("relays the claims", func(t *testing.T) {
		a := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/oauth/userinfo", r.URL.Path)
			assert.Equal(t, "Bearer at1", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sub":"user1","given_name":"Demo"}`))
		}))

		cookies := []*http.Cookie{encryptedCookie(t, "example-at", "at1")}
		rec := a.do(t, http.MethodGet, "/oauth-agent/userInfo", "", cookies, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var claims map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claims))
		assert.Equal(t, "user1", claims["sub"])
	})

	t.Run("missing access token cookie", func(t *testing.T) {
		a := newTestAgent(t, nil)
		rec := a.do(t, http.MethodGet, "/oauth-agent/userInfo", "", nil, nil)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})

	t.Run("expired access token signals a refresh", func(t *testing.T) {
		a := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
		}))

		cookies := []*http.Cookie{encryptedCookie(t, "example-at", "stale")}
		rec := a.do(t, http.MethodGet, "/oauth-agent/userInfo", "", cookies, nil)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "token_expired")
	})
}

func TestClaims(t *testing.T) {
	t.Run("decodes the id token locally", func(t *testing.T) {
		a := newTestAgent(t, nil)
		cookies := []*http.Cookie{encryptedCookie(t, "example-id", validIDToken(t))}

		rec := a.do(t, http.MethodGet, "/oauth-agent/claims", "", cookies, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var claims map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claims))
		assert.Equal(t, "user1", claims["sub"])
		assert.Equal(t, testIssuer, claims["iss"])
	})

	t.Run("missing id cookie", func(t *testing.T) {
		a := newTestAgent(t, nil)
		rec := a.do(t, http.MethodGet, "/oauth-agent/claims", "", nil, nil)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})
}

func TestLogout(t *testing.T) {
	csrfHeader := map[string]string{"x-example-csrf": "csrf-token-1"}

	t.Run("expires the session and returns the end session URL", func(t *testing.T) {
		a := newTestAgent(t, nil)
		cookies := []*http.Cookie{
			encryptedCookie(t, "example-csrf", "csrf-token-1"),
			encryptedCookie(t, "example-at", "at1"),
		}

		rec := a.do(t, http.MethodPost, "/oauth-agent/logout", "", cookies, csrfHeader)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		u, err := url.Parse(resp.URL)
		require.NoError(t, err)
		assert.Equal(t, "/oauth/logout", u.Path)
		assert.Equal(t, testClientID, u.Query().Get("client_id"))

		for _, name := range []string{"example-at", "example-auth", "example-id", "example-csrf"} {
			c := cookieByName(t, rec, name)
			assert.Empty(t, c.Value)
			assert.True(t, c.Expires.Before(time.Now()), name)
		}
	})

	t.Run("without a session", func(t *testing.T) {
		a := newTestAgent(t, nil)
		cookies := []*http.Cookie{encryptedCookie(t, "example-csrf", "csrf-token-1")}
		rec := a.do(t, http.MethodPost, "/oauth-agent/logout", "", cookies, csrfHeader)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})

	t.Run("missing csrf header", func(t *testing.T) {
		a := newTestAgent(t, nil)
		cookies := []*http.Cookie{
			encryptedCookie(t, "example-csrf", "csrf-token-1"),
			encryptedCookie(t, "example-at", "at1"),
		}
		rec := a.do(t, http.MethodPost, "/oauth-agent/logout", "", cookies, nil)
		assertErrorResponse(t, rec, http.StatusUnauthorized, "unauthorized_request")
	})
}

func TestEndLoginReusesExistingCSRFToken(t *testing.T) {
	a := newTestAgent(t, stubTokenEndpoint(t, map[string]any{
		"access_token": "at1", "refresh_token": "rt1", "id_token": validIDToken(t),
		"token_type": "bearer", "expires_in": 300,
	}))

	data, err := json.Marshal(cookie.TempLoginData{State: "abc", CodeVerifier: "verifier"})
	require.NoError(t, err)
	cookies := []*http.Cookie{
		encryptedCookie(t, "example-login", string(data)),
		encryptedCookie(t, "example-csrf", "csrf-from-other-tab"),
	}

	body := `{"pageUrl":"` + testOrigin + `/?code=code123&state=abc"}`
	rec := a.do(t, http.MethodPost, "/oauth-agent/login/end", body, cookies, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		CSRF string `json:"csrf"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "csrf-from-other-tab", resp.CSRF)
}
