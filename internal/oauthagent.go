package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/oauth-agent/internal/auth"
	"github.com/dgellow/oauth-agent/internal/config"
	"github.com/dgellow/oauth-agent/internal/log"
	"github.com/dgellow/oauth-agent/internal/server"
)

// OAuthAgent represents the complete token handler application
type OAuthAgent struct {
	config     config.Config
	httpServer *server.HTTPServer
}

// NewOAuthAgent creates a new token handler application with all dependencies built
func NewOAuthAgent(cfg config.Config) (*OAuthAgent, error) {
	log.LogInfoWithFields("oauthagent", "Building OAuth agent application", map[string]any{
		"basePath": cfg.Agent.BasePath,
		"issuer":   cfg.Agent.Endpoints.Issuer,
	})

	mux, err := buildHTTPHandler(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	httpServer := server.NewHTTPServer(mux, cfg.Agent.Addr)

	return &OAuthAgent{
		config:     cfg,
		httpServer: httpServer,
	}, nil
}

// Run starts and manages the complete application lifecycle
func (a *OAuthAgent) Run() error {
	log.LogInfoWithFields("oauthagent", "Starting OAuth agent", map[string]any{
		"addr": a.config.Agent.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Channel to signal errors that should trigger shutdown
	errChan := make(chan error, 1)

	go func() {
		if err := a.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("oauthagent", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("oauthagent", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	case <-ctx.Done():
		shutdownReason = "context cancelled"
		log.LogInfoWithFields("oauthagent", "Context cancelled, shutting down", nil)
	}

	log.LogInfoWithFields("oauthagent", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("oauthagent", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("oauthagent", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config) (http.Handler, error) {
	mux := http.NewServeMux()

	mux.Handle("/health", server.NewHealthHandler())

	handlers := server.NewAgentHandlers(cfg.Agent)
	handlers.Register(mux)

	csrfHeader := auth.NewValidator(cfg.Agent.TrustedOrigins, cfg.Agent.Cookies.NamePrefix).CSRFHeaderName()

	middlewares := []server.MiddlewareFunc{
		server.NewLoggerMiddleware("agent"),
	}
	if cfg.Agent.CORSEnabled {
		middlewares = append(middlewares, server.NewCORSMiddleware(cfg.Agent.TrustedOrigins, csrfHeader))
	}
	// Recovery middleware should be last (outermost)
	middlewares = append(middlewares, server.NewRecoveryMiddleware())

	log.LogInfoWithFields("server", "OAuth agent routes initialized", map[string]any{
		"basePath":       cfg.Agent.BasePath,
		"trustedOrigins": cfg.Agent.TrustedOrigins,
		"cors":           cfg.Agent.CORSEnabled,
	})
	return server.ChainMiddleware(mux, middlewares...), nil
}
