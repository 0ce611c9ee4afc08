package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Mode says how a backend response is consumed.
type Mode int

const (
	ModeSingleShot Mode = iota
	ModeStreaming
)

func (m Mode) String() string {
	if m == ModeStreaming {
		return "streaming"
	}
	return "single-shot"
}

// Route is the backend call chosen for one chat request.
type Route struct {
	URL  string
	Mode Mode
}

// SelectRoute treats url as a streaming endpoint when it contains marker.
func SelectRoute(url, marker string) Route {
	mode := ModeSingleShot
	if marker != "" && strings.Contains(url, marker) {
		mode = ModeStreaming
	}
	return Route{URL: url, Mode: mode}
}

// backendRequest is the only body shape the chat backends accept.
type backendRequest struct {
	Message string `json:"message"`
}

// NewRequest builds the outbound POST for message.
func (rt Route) NewRequest(ctx context.Context, message, apiKey, requestID string) (*http.Request, error) {
	body, err := json.Marshal(backendRequest{Message: message})
	if err != nil {
		return nil, fmt.Errorf("encode backend request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create backend request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if rt.Mode == ModeStreaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if key := bareToken(apiKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("session_id", uuid.NewString())
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return req, nil
}

// bareToken strips a leading "Bearer " so the header is never doubled.
func bareToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
