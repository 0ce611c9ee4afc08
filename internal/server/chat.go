package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dvcrn/colorbot-proxy/internal/config"
	"github.com/dvcrn/colorbot-proxy/internal/stream"
)

const (
	maxChatRequestSize = 10 << 20
	maxReplySize       = 10 << 20
	maxErrorBodySize   = 64 << 10
)

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Error().Err(err).Msg("Error reading request body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req ChatRequest
	if err := s.validator.decode(schemaChat, body, &req); err != nil {
		log.Warn().Err(err).Msg("Rejected chat request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	turn, _ := req.ActiveTurn()
	message := BackendMessage(turn)
	if message == "" {
		http.Error(w, "Message content or attachment is required", http.StatusBadRequest)
		return
	}

	backendURL := strings.TrimSpace(req.ChatCompletionURL)
	if backendURL == "" {
		backendURL = s.chat.BackendURL
	}
	if err := config.ValidateBackendURL(backendURL); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	route := SelectRoute(backendURL, s.chat.StreamMarker)
	intermediate := req.IntermediateSteps(s.chat.IntermediateSteps)

	log.Info().
		Str("endpoint", route.URL).
		Str("mode", route.Mode.String()).
		Bool("intermediate_steps", intermediate).
		Int("message_count", len(req.Messages)).
		Int("attachments", len(turn.Attachments)).
		Msg("Processing chat request")

	apiKey, err := s.credsFetcher.GetAPIKey()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get API key")
		serverError(w, err)
		return
	}

	backendReq, err := route.NewRequest(r.Context(), message, apiKey, requestID(w))
	if err != nil {
		serverError(w, err)
		return
	}

	resp, err := s.httpClient.Do(backendReq)
	if err != nil {
		log.Error().Err(err).Msg("Error calling chat backend")
		serverError(w, err)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := backendErrorText(resp)
		resp.Body.Close()
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("response_body", text).
			Msg("Received error response from chat backend")
		http.Error(w, "Backend Error: "+text, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	if route.Mode == ModeStreaming {
		s.streamReply(w, r, resp, intermediate)
		return
	}
	s.singleShotReply(w, r, resp)
}

func (s *Server) streamReply(w http.ResponseWriter, r *http.Request, resp *http.Response, intermediate bool) {
	log := requestLogger(r)

	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var out io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
		out = sseFlushWriter{w: w, f: flusher}
	} else {
		log.Warn().Msg("ResponseWriter does not support flushing - streaming may be buffered")
	}

	summary, err := stream.Normalize(r.Context(), resp.Body, out, stream.Options{
		IntermediateSteps: intermediate,
		Logger:            log,
	})

	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Int("lines", summary.Lines).
		Int("data_frames", summary.DataFrames).
		Int("steps", summary.Steps).
		Int("dropped", summary.Dropped).
		Bool("terminated", summary.Terminated).
		Bool("recovered", summary.Recovered).
		Msg("Streaming response completed")
}

func (s *Server) singleShotReply(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	defer resp.Body.Close()
	log := requestLogger(r)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		log.Error().Err(err).Msg("Error reading backend reply")
		serverError(w, err)
		return
	}

	reply := stream.ExtractReply(string(raw))
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, reply); err != nil {
		log.Warn().Err(err).Msg("Error writing reply to client")
	}
}

func serverError(w http.ResponseWriter, err error) {
	http.Error(w, fmt.Sprintf("Server Error: %s", err.Error()), http.StatusInternalServerError)
}

// backendErrorText is the backend's error body, or its status line when the
// body is empty.
func backendErrorText(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if text := strings.TrimSpace(string(b)); text != "" {
		return text
	}
	return resp.Status
}
