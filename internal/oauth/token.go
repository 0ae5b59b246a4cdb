package oauth

// TokenResponse carries the tokens returned by the authorization server.
// RefreshToken and IDToken are optional: a refresh token grant may omit
// reissuing either, depending on the server's rotation policy.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}
