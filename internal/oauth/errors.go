// Package oauth implements the protocol side of the agent: the error
// taxonomy, the authorization server client, the ID token sanity checks and
// the login flow state machine.
package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Stable error codes returned to the SPA. The client keys its retry and
// redirect behavior off these, so they are part of the API contract.
const (
	CodeUnauthorizedRequest = "unauthorized_request"
	CodeInvalidRequest      = "invalid_request"
	CodeAuthorizationError  = "authorization_error"
	CodeTokenExpired        = "token_expired"
	CodeSessionExpired      = "session_expired"
	CodeAuthorizationServer = "authorization_server_error"
	CodeServerError         = "server_error"
	CodeLoginRequired       = "login_required"
)

// GrantType identifies which authorization server call failed, for error
// classification and logging.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantUserInfo          GrantType = "userinfo"
)

// Error is the single domain error type. Status, Code and Message are sent to
// the client; logMessage and cause stay in the logs. For 5xx errors the
// client body is intentionally generic.
type Error struct {
	Status  int
	Code    string
	Message string

	logMessage string
	cause      error
}

func (e *Error) Error() string {
	if e.logMessage != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.logMessage)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorResponse is the JSON body sent to the SPA for any failure.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response returns the client-facing body. Internal detail never appears here.
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{Code: e.Code, Message: e.Message}
}

// LogFields returns the structured fields written to the log sink. The cause
// chain is only included for 5xx errors, where the client body says nothing.
func (e *Error) LogFields() map[string]any {
	fields := map[string]any{
		"status": e.Status,
		"code":   e.Code,
	}
	if e.logMessage != "" {
		fields["detail"] = e.logMessage
	}
	if e.Status >= 500 && e.cause != nil {
		fields["cause"] = e.cause.Error()
	}
	return fields
}

// AsError normalizes any error to the taxonomy. Unclassified errors become
// the generic server_error so internals never leak to the client.
func AsError(err error) *Error {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr
	}
	return NewServerError(err)
}

// NewUnauthorizedError reports a failed origin, CSRF or cookie check.
func NewUnauthorizedError(logMessage string) *Error {
	return &Error{
		Status:     http.StatusUnauthorized,
		Code:       CodeUnauthorizedRequest,
		Message:    "Access denied due to invalid request details",
		logMessage: logMessage,
	}
}

// NewInvalidCookieError reports a missing or undecryptable cookie at a point
// where a valid value is mandatory.
func NewInvalidCookieError(logMessage string) *Error {
	return &Error{
		Status:     http.StatusUnauthorized,
		Code:       CodeUnauthorizedRequest,
		Message:    "Access denied due to invalid request details",
		logMessage: logMessage,
	}
}

// NewInvalidRequestError reports a malformed request from the SPA.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewInvalidStateError reports a state parameter mismatch when completing a
// login. This is the front channel CSRF defense.
func NewInvalidStateError() *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidRequest,
		Message: "State parameter mismatch when completing a login",
	}
}

// NewInvalidIDTokenError reports an ID token failing the issuer or audience
// sanity check.
func NewInvalidIDTokenError(logMessage string) *Error {
	return &Error{
		Status:     http.StatusBadRequest,
		Code:       CodeInvalidRequest,
		Message:    "ID token missing or invalid",
		logMessage: logMessage,
	}
}

// NewAuthorizationResponseError reports an error returned on the front
// channel redirect. A login_required error means a silent re-authentication
// attempt found no session at the authorization server, so it is treated as
// expiry rather than a bad request.
func NewAuthorizationResponseError(code, description string) *Error {
	if description == "" {
		description = "Login failed at the authorization server"
	}
	status := http.StatusBadRequest
	if code == CodeLoginRequired {
		status = http.StatusUnauthorized
	}
	return &Error{
		Status:  status,
		Code:    code,
		Message: description,
	}
}

// NewAuthorizationServerError reports an unreachable or failing (5xx)
// authorization server. The client sees no more than the generic code.
func NewAuthorizationServerError(logMessage string, cause error) *Error {
	return &Error{
		Status:     http.StatusBadGateway,
		Code:       CodeAuthorizationServer,
		Message:    "A problem occurred with a request to the authorization server",
		logMessage: logMessage,
		cause:      cause,
	}
}

// NewAuthorizationClientError reports a 4xx rejection by the authorization
// server. Two causes are reclassified because the SPA reacts to them
// differently: an expired access token on a userinfo call signals that a
// refresh should be attempted, and a rejected refresh token signals that the
// session is unrecoverable.
func NewAuthorizationClientError(grant GrantType, status int, responseBody string) *Error {
	clientStatus := http.StatusBadRequest
	code := CodeAuthorizationError

	if grant == GrantUserInfo && status == http.StatusUnauthorized {
		clientStatus = http.StatusUnauthorized
		code = CodeTokenExpired
	}

	if grant == GrantRefreshToken && strings.Contains(responseBody, "invalid_grant") {
		clientStatus = http.StatusUnauthorized
		code = CodeSessionExpired
	}

	return &Error{
		Status:     clientStatus,
		Code:       code,
		Message:    "A request sent to the authorization server was rejected",
		logMessage: fmt.Sprintf("%s request failed with response: %s", grant, responseBody),
	}
}

// NewServerError wraps anything unclassified at the outermost boundary.
func NewServerError(cause error) *Error {
	return &Error{
		Status:     http.StatusInternalServerError,
		Code:       CodeServerError,
		Message:    "A technical problem occurred in the OAuth agent",
		logMessage: "unhandled error",
		cause:      cause,
	}
}
