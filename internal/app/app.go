package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvcrn/colorbot-proxy/internal/config"
	"github.com/dvcrn/colorbot-proxy/internal/credentials"
	"github.com/dvcrn/colorbot-proxy/internal/nim"
	"github.com/dvcrn/colorbot-proxy/internal/server"
)

// NewCredentials builds the API key source selected by cfg.
func NewCredentials(cfg config.CredentialsConfig, logger zerolog.Logger) (credentials.APIKeyFetcher, error) {
	switch cfg.Source {
	case config.CredentialsNone:
		return credentials.NoneFetcher{}, nil
	case config.CredentialsEnv:
		return credentials.NewEnvFetcher(cfg.EnvVar), nil
	case config.CredentialsFS:
		return credentials.NewCachedFetcher(credentials.NewFSFetcher(cfg.Path), cfg.CacheTTL, logger), nil
	default:
		return nil, fmt.Errorf("unknown credentials source %q", cfg.Source)
	}
}

// NewServer wires the chat proxy and the color service client from cfg.
func NewServer(cfg config.Config, creds credentials.APIKeyFetcher, logger zerolog.Logger) (*server.Server, error) {
	httpClient := server.NewHTTPClient(cfg.Chat.ResponseHeaderTimeout)

	colors := nim.NewClient(httpClient, nim.Options{
		Endpoints: nim.Endpoints{
			ColorExtraction:   cfg.NIM.ColorExtractionURL,
			PaletteGeneration: cfg.NIM.PaletteGenerationURL,
			Accessibility:     cfg.NIM.AccessibilityURL,
		},
		Timeout:       cfg.NIM.Timeout,
		HealthTimeout: cfg.NIM.HealthTimeout,
		Logger:        logger.With().Str("component", "nim").Logger(),
	})

	return server.New(server.Options{
		Logger:      logger,
		Credentials: creds,
		HTTPClient:  httpClient,
		Colors:      colors,
		Chat: server.ChatOptions{
			BackendURL:        cfg.Chat.BackendURL,
			StreamMarker:      cfg.Chat.StreamMarker,
			IntermediateSteps: cfg.Chat.IntermediateSteps,
		},
		AdminAPIKey: cfg.Server.AdminAPIKey,
	})
}
