// Package config loads colorbot-proxy settings.
//
// Precedence, highest first:
//  1. CLI flags (applied by the command)
//  2. COLORBOT_* environment variables
//  3. the YAML config file, after ${VAR} expansion
//  4. Default()
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "COLORBOT_"

const (
	CredentialsEnv  = "env"
	CredentialsFS   = "fs"
	CredentialsNone = "none"
)

type Config struct {
	Env         string            `yaml:"env" env:"ENV"`
	LogLevel    string            `yaml:"log_level" env:"LOG_LEVEL"`
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Chat        ChatConfig        `yaml:"chat" envPrefix:"CHAT_"`
	NIM         NIMConfig         `yaml:"nim" envPrefix:"NIM_"`
	Credentials CredentialsConfig `yaml:"credentials" envPrefix:"CREDENTIALS_"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	// AdminAPIKey guards /admin routes; they are disabled when empty.
	AdminAPIKey string `yaml:"admin_api_key" env:"ADMIN_API_KEY"`
}

// ChatConfig controls the chat backend and how its responses are handled.
type ChatConfig struct {
	// BackendURL is used when a request does not name chatCompletionURL.
	BackendURL string `yaml:"backend_url" env:"BACKEND_URL"`
	// StreamMarker is the URL substring that marks a streaming endpoint.
	StreamMarker string `yaml:"stream_marker" env:"STREAM_MARKER"`
	// IntermediateSteps is the default for additionalProps.enableIntermediateSteps.
	IntermediateSteps bool `yaml:"intermediate_steps" env:"INTERMEDIATE_STEPS"`
	// ResponseHeaderTimeout bounds the wait for backend headers only; a
	// running stream is never cut off.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" env:"RESPONSE_HEADER_TIMEOUT"`
}

// NIMConfig points at the color analysis services.
type NIMConfig struct {
	ColorExtractionURL   string        `yaml:"color_extraction_url" env:"COLOR_EXTRACTION_URL"`
	PaletteGenerationURL string        `yaml:"palette_generation_url" env:"PALETTE_GENERATION_URL"`
	AccessibilityURL     string        `yaml:"accessibility_url" env:"ACCESSIBILITY_URL"`
	Timeout              time.Duration `yaml:"timeout" env:"TIMEOUT"`
	HealthTimeout        time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT"`
}

// CredentialsConfig selects where the backend API key comes from.
type CredentialsConfig struct {
	Source string `yaml:"source" env:"SOURCE"`
	Path   string `yaml:"path" env:"PATH"`
	// EnvVar names the variable read by the env source.
	EnvVar   string        `yaml:"env_var" env:"ENV_VAR"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Server: ServerConfig{
			Listen: ":9880",
		},
		Chat: ChatConfig{
			BackendURL:            "http://127.0.0.1:8001/chat/stream",
			StreamMarker:          "stream",
			IntermediateSteps:     true,
			ResponseHeaderTimeout: 2 * time.Minute,
		},
		NIM: NIMConfig{
			ColorExtractionURL:   "http://localhost:8080",
			PaletteGenerationURL: "http://localhost:8081",
			AccessibilityURL:     "http://localhost:8082",
			Timeout:              60 * time.Second,
			HealthTimeout:        10 * time.Second,
		},
		Credentials: CredentialsConfig{
			Source:   CredentialsEnv,
			EnvVar:   "BAILIAN_API_KEY",
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the optional file at path
// and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return errors.New("server.listen is required")
	}
	if err := validateURL("chat.backend_url", c.Chat.BackendURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.Chat.StreamMarker) == "" {
		return errors.New("chat.stream_marker must not be empty")
	}
	if c.Chat.ResponseHeaderTimeout < 0 {
		return errors.New("chat.response_header_timeout must not be negative")
	}

	for name, raw := range map[string]string{
		"nim.color_extraction_url":   c.NIM.ColorExtractionURL,
		"nim.palette_generation_url": c.NIM.PaletteGenerationURL,
		"nim.accessibility_url":      c.NIM.AccessibilityURL,
	} {
		if err := validateURL(name, raw); err != nil {
			return err
		}
	}
	if c.NIM.Timeout <= 0 || c.NIM.HealthTimeout <= 0 {
		return errors.New("nim timeouts must be positive")
	}

	if c.Credentials.CacheTTL < 0 {
		return errors.New("credentials.cache_ttl must not be negative")
	}
	switch c.Credentials.Source {
	case CredentialsNone:
	case CredentialsEnv:
		if strings.TrimSpace(c.Credentials.EnvVar) == "" {
			return errors.New("credentials.env_var is required for the env source")
		}
	case CredentialsFS:
		if strings.TrimSpace(c.Credentials.Path) == "" {
			return errors.New("credentials.path is required for the fs source")
		}
	default:
		return fmt.Errorf("credentials.source %q must be one of env, fs, none", c.Credentials.Source)
	}
	return nil
}

// ValidateBackendURL checks a backend URL supplied at request time.
func ValidateBackendURL(raw string) error {
	return validateURL("chatCompletionURL", raw)
}

func validateURL(name, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got %q", name, raw)
	}
	return nil
}
