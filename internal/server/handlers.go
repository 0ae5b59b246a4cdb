package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dgellow/oauth-agent/internal/auth"
	"github.com/dgellow/oauth-agent/internal/config"
	"github.com/dgellow/oauth-agent/internal/cookie"
	"github.com/dgellow/oauth-agent/internal/crypto"
	jsonwriter "github.com/dgellow/oauth-agent/internal/json"
	"github.com/dgellow/oauth-agent/internal/log"
	"github.com/dgellow/oauth-agent/internal/oauth"
)

const maxRequestBody = 64 * 1024

// AgentHandlers holds the HTTP endpoints of the token handler. All session
// state lives in the cookies it issues, so the struct itself is immutable
// after construction and safe for concurrent use.
type AgentHandlers struct {
	cfg       config.AgentConfig
	cookies   *cookie.Store
	validator *auth.Validator
	client    *oauth.Client
	idTokens  *oauth.IDTokenValidator
}

func NewAgentHandlers(cfg config.AgentConfig) *AgentHandlers {
	return &AgentHandlers{
		cfg:       cfg,
		cookies:   cookie.NewStore(cfg.Cookies, cfg.BasePath),
		validator: auth.NewValidator(cfg.TrustedOrigins, cfg.Cookies.NamePrefix),
		client:    oauth.NewClient(cfg),
		idTokens:  oauth.NewIDTokenValidator(cfg.Endpoints.Issuer, cfg.Client.ID),
	}
}

// Register wires the endpoints onto the mux under the configured base path.
func (h *AgentHandlers) Register(mux *http.ServeMux) {
	base := h.cfg.BasePath
	mux.HandleFunc("POST "+base+"/login/start", h.StartLogin)
	mux.HandleFunc("POST "+base+"/login/end", h.EndLogin)
	mux.HandleFunc("POST "+base+"/refresh", h.RefreshToken)
	mux.HandleFunc("POST "+base+"/logout", h.Logout)
	mux.HandleFunc("GET "+base+"/userInfo", h.UserInfo)
	mux.HandleFunc("GET "+base+"/claims", h.Claims)
}

type startLoginRequest struct {
	ExtraParams []oauth.ExtraParam `json:"extraParams"`
}

type startLoginResponse struct {
	AuthorizationRequestURL string `json:"authorizationRequestUrl"`
}

type endLoginRequest struct {
	PageURL string `json:"pageUrl"`
}

type endLoginResponse struct {
	Handled    bool   `json:"handled"`
	IsLoggedIn bool   `json:"isLoggedIn"`
	CSRF       string `json:"csrf,omitempty"`
}

type logoutResponse struct {
	URL string `json:"url"`
}

// StartLogin builds the front channel authorization request and stores the
// state and PKCE verifier in the temporary login cookie.
func (h *AgentHandlers) StartLogin(w http.ResponseWriter, r *http.Request) {
	if err := h.validator.Validate(r, auth.Options{RequireTrustedOrigin: true}, ""); err != nil {
		h.writeError(w, r, err)
		return
	}

	// The body is optional, a missing or empty one means no extra parameters
	var req startLoginRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	authReq, err := h.client.CreateAuthorizationRequest(req.ExtraParams)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.cookies.WriteLoginState(w, authReq.State, authReq.CodeVerifier); err != nil {
		h.writeError(w, r, err)
		return
	}

	jsonwriter.Write(w, startLoginResponse{AuthorizationRequestURL: authReq.URL})
}

// EndLogin completes a login when the supplied page URL carries an
// authorization response, and otherwise reports the current session state so
// the SPA can decide during page loads whether a login is needed.
func (h *AgentHandlers) EndLogin(w http.ResponseWriter, r *http.Request) {
	if err := h.validator.Validate(r, auth.Options{RequireTrustedOrigin: true}, ""); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req endLoginRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PageURL == "" {
		h.writeError(w, r, oauth.NewInvalidRequestError("no pageUrl was supplied in the request body"))
		return
	}

	params, err := oauth.ParseQueryParams(req.PageURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if !params.IsOAuthResponse() {
		// A plain page load. Report whether cookies from a previous login
		// are still present, and hand the CSRF token back so the SPA can
		// resume sending it after a browser restart.
		csrf := h.cookies.ReadSafe(r, cookie.RoleCSRF)
		jsonwriter.Write(w, endLoginResponse{
			Handled:    false,
			IsLoggedIn: csrf != "",
			CSRF:       csrf,
		})
		return
	}

	if params.Error != "" {
		h.writeError(w, r, oauth.NewAuthorizationResponseError(params.Error, params.ErrorDescription))
		return
	}

	loginData, ok := h.cookies.ReadLoginState(r)
	if !ok {
		h.writeError(w, r, oauth.NewInvalidCookieError("no valid login cookie was supplied during a login completion"))
		return
	}
	if params.State != loginData.State {
		h.writeError(w, r, oauth.NewInvalidStateError())
		return
	}

	tokens, err := h.client.RedeemCode(r.Context(), params.Code, loginData.CodeVerifier)
	if err != nil {
		h.cookies.ExpireLogin(w)
		h.writeError(w, r, err)
		return
	}

	if tokens.IDToken != "" {
		if err := h.idTokens.Validate(tokens.IDToken); err != nil {
			h.cookies.ExpireLogin(w)
			h.writeError(w, r, err)
			return
		}
	}

	// Keep an existing CSRF token alive so that other tabs already holding
	// it keep working after a re-login
	csrf := h.cookies.ReadSafe(r, cookie.RoleCSRF)
	if csrf == "" {
		csrf, err = crypto.RandomToken()
		if err != nil {
			h.cookies.ExpireLogin(w)
			h.writeError(w, r, oauth.NewServerError(err))
			return
		}
	}

	if err := h.cookies.WriteSession(w, tokens, csrf); err != nil {
		h.writeError(w, r, err)
		return
	}

	jsonwriter.Write(w, endLoginResponse{
		Handled:    true,
		IsLoggedIn: true,
		CSRF:       csrf,
	})
}

// RefreshToken exchanges the refresh token cookie for new tokens and rewrites
// the token cookies.
func (h *AgentHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	csrf := h.cookies.ReadSafe(r, cookie.RoleCSRF)
	opts := auth.Options{RequireTrustedOrigin: true, RequireCSRFHeader: true}
	if err := h.validator.Validate(r, opts, csrf); err != nil {
		h.writeError(w, r, err)
		return
	}

	refreshToken := h.cookies.ReadSafe(r, cookie.RoleRefresh)
	if refreshToken == "" {
		h.writeError(w, r, oauth.NewInvalidCookieError("no valid refresh cookie was supplied in a call to refresh token"))
		return
	}

	tokens, err := h.client.Refresh(r.Context(), refreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if tokens.IDToken != "" {
		if err := h.idTokens.Validate(tokens.IDToken); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	if err := h.cookies.WriteTokenCookies(w, tokens); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UserInfo calls the authorization server's userinfo endpoint with the access
// token from the cookie and relays the claims.
func (h *AgentHandlers) UserInfo(w http.ResponseWriter, r *http.Request) {
	if err := h.validator.Validate(r, auth.Options{RequireTrustedOrigin: true}, ""); err != nil {
		h.writeError(w, r, err)
		return
	}

	accessToken := h.cookies.ReadSafe(r, cookie.RoleAccess)
	if accessToken == "" {
		h.writeError(w, r, oauth.NewInvalidCookieError("no valid access cookie was supplied in a call to get user info"))
		return
	}

	claims, err := h.client.FetchUserInfo(r.Context(), accessToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	jsonwriter.Write(w, claims)
}

// Claims returns the ID token claims without contacting the authorization
// server.
func (h *AgentHandlers) Claims(w http.ResponseWriter, r *http.Request) {
	if err := h.validator.Validate(r, auth.Options{RequireTrustedOrigin: true}, ""); err != nil {
		h.writeError(w, r, err)
		return
	}

	idToken := h.cookies.ReadSafe(r, cookie.RoleID)
	if idToken == "" {
		h.writeError(w, r, oauth.NewInvalidCookieError("no valid ID cookie was supplied in a call to get claims"))
		return
	}

	claims, err := oauth.DecodeClaims(idToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	jsonwriter.Write(w, claims)
}

// Logout clears all session cookies and returns the end session URL the SPA
// should redirect the browser to.
func (h *AgentHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	csrf := h.cookies.ReadSafe(r, cookie.RoleCSRF)
	opts := auth.Options{RequireTrustedOrigin: true, RequireCSRFHeader: true}
	if err := h.validator.Validate(r, opts, csrf); err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.cookies.ReadSafe(r, cookie.RoleAccess) == "" {
		h.writeError(w, r, oauth.NewInvalidCookieError("no valid access cookie was supplied in a call to logout"))
		return
	}

	h.cookies.ExpireAll(w)

	jsonwriter.Write(w, logoutResponse{URL: h.client.EndSessionURL()})
}

// decodeBody reads an optional JSON request body. An empty body is fine,
// malformed JSON is the caller's fault.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return oauth.NewServerError(err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return oauth.NewInvalidRequestError("the request body was not valid JSON")
	}
	return nil
}

func (h *AgentHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	agentErr := oauth.AsError(err)

	fields := agentErr.LogFields()
	fields["method"] = r.Method
	fields["path"] = r.URL.Path

	if agentErr.Status >= http.StatusInternalServerError {
		log.LogErrorWithFields("server", "Request failed", fields)
	} else {
		log.LogInfoWithFields("server", "Request rejected", fields)
	}

	jsonwriter.WriteError(w, agentErr.Status, agentErr.Code, agentErr.Message)
}
