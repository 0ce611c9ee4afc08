package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvcrn/colorbot-proxy/internal/app"
	"github.com/dvcrn/colorbot-proxy/internal/config"
	"github.com/dvcrn/colorbot-proxy/internal/credentials"
	"github.com/dvcrn/colorbot-proxy/internal/logger"
)

const rootLongDesc = `Run the color design assistant proxy.

Chat requests on /api/chat are forwarded to the configured backend and its
streaming response is normalized into one plain-text stream with inline
<intermediatestep> markers. The /api/colors routes front the color
extraction, palette generation and accessibility services.

Configuration is read from --config (YAML, ${VAR} expanded), then COLORBOT_*
environment variables, then flags.`

type rootCommander struct {
	configPath  string
	listen      string
	logLevel    string
	credsSource string
	credsPath   string
}

func newRootCmd() *cobra.Command {
	cmder := &rootCommander{}

	cmd := &cobra.Command{
		Use:           "colorbot-proxy",
		Short:         "Color design assistant chat proxy",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cmder.loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	defaults := config.Default()
	cmd.PersistentFlags().StringVarP(&cmder.configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", defaults.Server.Listen, "Address to listen on")
	cmd.Flags().StringVar(&cmder.logLevel, "log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&cmder.credsSource, "creds-source", defaults.Credentials.Source, "API key source (env, fs, none)")
	cmd.Flags().StringVar(&cmder.credsPath, "creds", credentials.DefaultCredsPath(), "Path to credentials.json for the fs source")

	cmd.AddCommand(newSetKeyCmd())
	return cmd
}

// loadConfig applies flags the user set explicitly on top of file and env.
func (c *rootCommander) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = c.listen
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if cmd.Flags().Changed("creds-source") {
		cfg.Credentials.Source = c.credsSource
	}
	if cmd.Flags().Changed("creds") || (cfg.Credentials.Source == config.CredentialsFS && cfg.Credentials.Path == "") {
		cfg.Credentials.Path = c.credsPath
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.New(logger.Options{Env: cfg.Env, Level: cfg.LogLevel})

	creds, err := app.NewCredentials(cfg.Credentials, log)
	if err != nil {
		return err
	}
	validateCredentialsAtStartup(creds, cfg.Credentials, log)

	srv, err := app.NewServer(cfg, creds, log)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Server.Listen).
			Str("backend", cfg.Chat.BackendURL).
			Bool("intermediate_steps", cfg.Chat.IntermediateSteps).
			Msg("Starting server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func validateCredentialsAtStartup(creds credentials.APIKeyFetcher, cfg config.CredentialsConfig, log zerolog.Logger) {
	if cfg.Source == config.CredentialsNone {
		log.Info().Msg("Backend authorization disabled")
		return
	}
	if cfg.Source == config.CredentialsFS && !credentials.FileExists(cfg.Path) {
		log.Warn().Str("path", cfg.Path).Msg("Credentials file does not exist yet; run colorbot-proxy set-key")
		return
	}

	key, err := creds.GetAPIKey()
	if err != nil {
		log.Error().Err(err).Str("source", cfg.Source).Msg("Failed to validate API key at startup")
		return
	}
	log.Info().
		Str("source", cfg.Source).
		Int("key_length", len(key)).
		Msg("API key loaded successfully")
}
