package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

const defaultBasePath = "/oauth-agent"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the config file, resolves $env references and validates the
// result. Secrets (clientSecret, encryptionKey) must use env references so
// they never appear in the file itself.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if err := requireSecretRefs(data); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Agent.BasePath == "" {
		cfg.Agent.BasePath = defaultBasePath
	}
	cfg.Agent.BasePath = strings.TrimSuffix(cfg.Agent.BasePath, "/")

	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return err
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}

	return err
}

// requireSecretRefs checks that secret fields use {"$env": ...} references
// before any environment resolution happens.
func requireSecretRefs(data []byte) error {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return fmt.Errorf("parsing config JSON: %w", err)
	}

	agent, ok := rawConfig["agent"].(map[string]any)
	if !ok {
		return fmt.Errorf("agent section is required")
	}

	secrets := []struct {
		section string
		field   string
	}{
		{"client", "clientSecret"},
		{"cookies", "encryptionKey"},
	}

	for _, secret := range secrets {
		section, ok := agent[secret.section].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[secret.field]
		if !exists {
			continue
		}
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s must use an environment variable reference for security", secret.field)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", secret.field)
			}
		}
	}

	return nil
}
