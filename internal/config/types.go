package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Config represents the config structure with resolved values
type Config struct {
	Agent AgentConfig `json:"agent" validate:"required"`
}

// AgentConfig configures the OAuth agent itself: where it listens, which web
// origins it trusts, and the OAuth client it acts as.
type AgentConfig struct {
	Addr           string          `json:"addr" validate:"required"`
	BasePath       string          `json:"basePath"`
	TrustedOrigins []string        `json:"trustedOrigins" validate:"required,min=1,dive,url"`
	CORSEnabled    bool            `json:"corsEnabled"`
	Client         ClientConfig    `json:"client" validate:"required"`
	Endpoints      EndpointsConfig `json:"endpoints" validate:"required"`
	Cookies        CookieConfig    `json:"cookies" validate:"required"`
}

// ClientConfig holds the OAuth client registration at the authorization server.
type ClientConfig struct {
	ID                    string `json:"clientId" validate:"required"`
	Secret                Secret `json:"clientSecret" validate:"required"`
	RedirectURI           string `json:"redirectUri" validate:"required,url"`
	PostLogoutRedirectURI string `json:"postLogoutRedirectUri" validate:"omitempty,url"`
	Scope                 string `json:"scope"`
}

// EndpointsConfig holds the authorization server endpoints the agent calls.
type EndpointsConfig struct {
	Authorize string `json:"authorize" validate:"required,url"`
	Token     string `json:"token" validate:"required,url"`
	UserInfo  string `json:"userInfo" validate:"required,url"`
	Logout    string `json:"logout" validate:"omitempty,url"`
	Issuer    string `json:"issuer" validate:"required"`
}

// CookieConfig controls the session cookie set. EncryptionKey is the
// hex-encoded AES-256 key for the cookie cipher.
type CookieConfig struct {
	NamePrefix    string `json:"namePrefix" validate:"required"`
	Domain        string `json:"domain"`
	Secure        bool   `json:"secure"`
	EncryptionKey Secret `json:"encryptionKey" validate:"required,hexadecimal,len=64"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR"} reference resolved against the environment.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// UnmarshalJSON resolves the clientSecret reference at parse time.
func (c *ClientConfig) UnmarshalJSON(data []byte) error {
	type rawClient struct {
		ID                    string          `json:"clientId"`
		Secret                json.RawMessage `json:"clientSecret"`
		RedirectURI           string          `json:"redirectUri"`
		PostLogoutRedirectURI string          `json:"postLogoutRedirectUri"`
		Scope                 string          `json:"scope"`
	}

	var raw rawClient
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.ID = raw.ID
	c.RedirectURI = raw.RedirectURI
	c.PostLogoutRedirectURI = raw.PostLogoutRedirectURI
	c.Scope = raw.Scope

	if raw.Secret != nil {
		value, err := ParseConfigValue(raw.Secret)
		if err != nil {
			return fmt.Errorf("parsing clientSecret: %w", err)
		}
		c.Secret = Secret(value)
	}

	return nil
}

// UnmarshalJSON resolves the encryptionKey reference at parse time.
func (c *CookieConfig) UnmarshalJSON(data []byte) error {
	type rawCookies struct {
		NamePrefix    string          `json:"namePrefix"`
		Domain        string          `json:"domain"`
		Secure        bool            `json:"secure"`
		EncryptionKey json.RawMessage `json:"encryptionKey"`
	}

	var raw rawCookies
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.NamePrefix = raw.NamePrefix
	c.Domain = raw.Domain
	c.Secure = raw.Secure

	if raw.EncryptionKey != nil {
		value, err := ParseConfigValue(raw.EncryptionKey)
		if err != nil {
			return fmt.Errorf("parsing encryptionKey: %w", err)
		}
		c.EncryptionKey = Secret(value)
	}

	return nil
}
