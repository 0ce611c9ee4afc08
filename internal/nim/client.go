// Package nim talks to the color extraction, palette generation and
// accessibility services.
package nim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	ServiceColorExtraction   = "color_extraction"
	ServicePaletteGeneration = "palette_generation"
	ServiceAccessibility     = "accessibility_check"
)

// maxBodySize caps service responses read into memory.
const maxBodySize = 8 << 20

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoints holds the base URL of each service.
type Endpoints struct {
	ColorExtraction   string
	PaletteGeneration string
	Accessibility     string
}

// StatusError is returned when a service answers with a non-200 status.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Body)
}

type Client struct {
	httpClient    HTTPClient
	endpoints     Endpoints
	timeout       time.Duration
	healthTimeout time.Duration
	logger        zerolog.Logger
}

// Options configures a Client. Zero timeouts fall back to 60s and 10s.
type Options struct {
	Endpoints     Endpoints
	Timeout       time.Duration
	HealthTimeout time.Duration
	Logger        zerolog.Logger
}

func NewClient(httpClient HTTPClient, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 10 * time.Second
	}
	return &Client{
		httpClient:    httpClient,
		endpoints:     opts.Endpoints,
		timeout:       opts.Timeout,
		healthTimeout: opts.HealthTimeout,
		logger:        opts.Logger,
	}
}

type ExtractRequest struct {
	ImageURL      string  `json:"image_url"`
	NumColors     int     `json:"num_colors"`
	MinPercentage float64 `json:"min_percentage"`
}

func (r ExtractRequest) withDefaults() ExtractRequest {
	if r.NumColors <= 0 {
		r.NumColors = 5
	}
	if r.MinPercentage <= 0 {
		r.MinPercentage = 0.05
	}
	return r
}

type PaletteRequest struct {
	BaseColor       string     `json:"base_color"`
	PaletteType     string     `json:"palette_type"`
	NumColors       int        `json:"num_colors"`
	SaturationRange [2]float64 `json:"saturation_range"`
	LightnessRange  [2]float64 `json:"lightness_range"`
}

func (r PaletteRequest) withDefaults() PaletteRequest {
	if r.PaletteType == "" {
		r.PaletteType = "complementary"
	}
	if r.NumColors <= 0 {
		r.NumColors = 5
	}
	if r.SaturationRange == [2]float64{} {
		r.SaturationRange = [2]float64{0.3, 0.9}
	}
	if r.LightnessRange == [2]float64{} {
		r.LightnessRange = [2]float64{0.2, 0.8}
	}
	return r
}

type AccessibilityRequest struct {
	ForegroundColor string `json:"foreground_color"`
	BackgroundColor string `json:"background_color"`
	TextSize        string `json:"text_size"`
	WCAGLevel       string `json:"wcag_level"`
	// CheckColorblind defaults to true when nil.
	CheckColorblind *bool `json:"check_colorblind"`
}

func (r AccessibilityRequest) withDefaults() AccessibilityRequest {
	if r.TextSize == "" {
		r.TextSize = "normal"
	}
	if r.WCAGLevel == "" {
		r.WCAGLevel = "AA"
	}
	if r.CheckColorblind == nil {
		t := true
		r.CheckColorblind = &t
	}
	return r
}

type PaletteAccessibilityRequest struct {
	Colors    []string `json:"colors"`
	WCAGLevel string   `json:"wcag_level"`
}

func (r PaletteAccessibilityRequest) withDefaults() PaletteAccessibilityRequest {
	if r.WCAGLevel == "" {
		r.WCAGLevel = "AA"
	}
	if r.Colors == nil {
		r.Colors = []string{}
	}
	return r
}

// ExtractColors returns the dominant colors of an image.
func (c *Client) ExtractColors(ctx context.Context, req ExtractRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "Color extraction", c.endpoints.ColorExtraction+"/extract-colors", req.withDefaults())
}

func (c *Client) GeneratePalette(ctx context.Context, req PaletteRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "Palette generation", c.endpoints.PaletteGeneration+"/generate-palette", req.withDefaults())
}

func (c *Client) CheckAccessibility(ctx context.Context, req AccessibilityRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "Accessibility check", c.endpoints.Accessibility+"/check-accessibility", req.withDefaults())
}

func (c *Client) CheckPaletteAccessibility(ctx context.Context, req PaletteAccessibilityRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "Palette accessibility check", c.endpoints.Accessibility+"/check-palette-accessibility", req.withDefaults())
}

var fallbackPaletteTypes = json.RawMessage(`{"palette_types":[` +
	`{"type":"monochromatic","description":"Single hue with varying saturation and lightness"},` +
	`{"type":"analogous","description":"Colors adjacent on the color wheel"},` +
	`{"type":"complementary","description":"Colors opposite on the color wheel"},` +
	`{"type":"triadic","description":"Three colors evenly spaced on the color wheel"},` +
	`{"type":"tetradic","description":"Four colors forming a square on the color wheel"},` +
	`{"type":"split_complementary","description":"Base color plus two colors adjacent to its complement"}]}`)

var fallbackWCAG = json.RawMessage(`{"wcag_requirements":{` +
	`"AA":{"normal_text":4.5,"large_text":3.0},` +
	`"AAA":{"normal_text":7.0,"large_text":4.5}}}`)

// PaletteTypes lists the supported palette types. The built-in list is
// returned when the palette service cannot answer.
func (c *Client) PaletteTypes(ctx context.Context) json.RawMessage {
	body, err := c.getJSON(ctx, c.timeout, "Palette types", c.endpoints.PaletteGeneration+"/palette-types")
	if err != nil {
		c.logger.Warn().Err(err).Msg("Using built-in palette types")
		return fallbackPaletteTypes
	}
	return body
}

// WCAGRequirements returns the contrast thresholds, falling back to the
// WCAG 2.1 table.
func (c *Client) WCAGRequirements(ctx context.Context) json.RawMessage {
	body, err := c.getJSON(ctx, c.timeout, "WCAG requirements", c.endpoints.Accessibility+"/wcag-requirements")
	if err != nil {
		c.logger.Warn().Err(err).Msg("Using built-in WCAG requirements")
		return fallbackWCAG
	}
	return body
}

// ServiceHealth is the health of one service.
type ServiceHealth struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HealthAll probes every service concurrently. It never fails; problems are
// reported per service.
func (c *Client) HealthAll(ctx context.Context) map[string]ServiceHealth {
	services := map[string]string{
		ServiceColorExtraction:   c.endpoints.ColorExtraction,
		ServicePaletteGeneration: c.endpoints.PaletteGeneration,
		ServiceAccessibility:     c.endpoints.Accessibility,
	}

	var (
		mu     sync.Mutex
		status = make(map[string]ServiceHealth, len(services))
	)
	var g errgroup.Group
	for name, base := range services {
		name, base := name, base
		g.Go(func() error {
			h := c.health(ctx, base)
			mu.Lock()
			status[name] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return status
}

func (c *Client) health(ctx context.Context, base string) ServiceHealth {
	body, err := c.getJSON(ctx, c.healthTimeout, "Health check", base+"/health")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return ServiceHealth{Status: "unhealthy", Error: fmt.Sprintf("HTTP %d", se.StatusCode)}
		}
		return ServiceHealth{Status: "error", Error: err.Error()}
	}
	return ServiceHealth{Status: "healthy", Data: body}
}

func (c *Client) postJSON(ctx context.Context, op, url string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req)
}

func (c *Client) getJSON(ctx context.Context, timeout time.Duration, op, url string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Accept", "application/json")
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("operation", op).Str("url", req.URL.String()).Msg("Color service request failed")
		return nil, fmt.Errorf("%s error: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().
			Str("operation", op).
			Int("status_code", resp.StatusCode).
			Str("response_body", string(body)).
			Msg("Color service returned an error")
		return nil, &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s: response is not JSON", op)
	}

	c.logger.Debug().
		Str("operation", op).
		Dur("duration", time.Since(start)).
		Int("bytes", len(body)).
		Msg("Color service responded")
	return body, nil
}
