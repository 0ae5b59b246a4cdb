package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/oauth-agent/internal"
	"github.com/dgellow/oauth-agent/internal/config"
	"github.com/dgellow/oauth-agent/internal/log"
	"github.com/joho/godotenv"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"agent": map[string]any{
			"addr":           ":8080",
			"basePath":       "/oauth-agent",
			"trustedOrigins": []string{"https://www.example.com"},
			"corsEnabled":    true,
			"client": map[string]any{
				"clientId":              "spa-client",
				"clientSecret":          map[string]string{"$env": "CLIENT_SECRET"},
				"redirectUri":           "https://www.example.com/",
				"postLogoutRedirectUri": "https://www.example.com/",
				"scope":                 "openid profile",
			},
			"endpoints": map[string]any{
				"issuer":    "https://login.example.com/oauth/anonymous",
				"authorize": "https://login.example.com/oauth/authorize",
				"token":     "https://login.example.com/oauth/token",
				"userInfo":  "https://login.example.com/oauth/userinfo",
				"logout":    "https://login.example.com/oauth/logout",
			},
			"cookies": map[string]any{
				"namePrefix":    "example",
				"domain":        "api.example.com",
				"secure":        true,
				"encryptionKey": map[string]string{"$env": "COOKIE_ENCRYPTION_KEY"},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	fmt.Printf("Validating: %s\n", path)

	if _, err := config.Load(path); err != nil {
		fmt.Printf("\nError: %v\n\nResult: FAIL\n", err)
		return err
	}

	fmt.Println("\nResult: PASS")
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	// A local .env file is a development convenience, production sets real
	// environment variables
	_ = godotenv.Load()

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting oauth-agent", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	agent, err := internal.NewOAuthAgent(cfg)
	if err != nil {
		log.LogError("Failed to create OAuth agent: %v", err)
		os.Exit(1)
	}

	if err := agent.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
