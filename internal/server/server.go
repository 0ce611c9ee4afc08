package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/dvcrn/colorbot-proxy/internal/credentials"
	"github.com/dvcrn/colorbot-proxy/internal/nim"
)

// sseFlushWriter wraps a ResponseWriter to flush after each write.
type sseFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw sseFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ColorClient is the color service surface exposed over HTTP.
type ColorClient interface {
	nim.ColorService
	PaletteTypes(ctx context.Context) json.RawMessage
	WCAGRequirements(ctx context.Context) json.RawMessage
	HealthAll(ctx context.Context) map[string]nim.ServiceHealth
}

// ChatOptions configures the chat proxy.
type ChatOptions struct {
	BackendURL        string
	StreamMarker      string
	IntermediateSteps bool
}

type Options struct {
	Logger      zerolog.Logger
	Credentials credentials.APIKeyFetcher
	// HTTPClient calls the chat backend.
	HTTPClient  HTTPClient
	Colors      ColorClient
	Chat        ChatOptions
	AdminAPIKey string
}

type Server struct {
	credsFetcher credentials.APIKeyFetcher
	httpClient   HTTPClient
	colors       ColorClient
	analyzer     *nim.Analyzer
	validator    *requestValidator
	chat         ChatOptions
	adminKey     string
	mux          *http.ServeMux
	logger       zerolog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Credentials == nil {
		opts.Credentials = credentials.NoneFetcher{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(0)
	}
	if opts.Colors == nil {
		return nil, errors.New("color client is required")
	}
	if opts.Chat.StreamMarker == "" {
		opts.Chat.StreamMarker = "stream"
	}

	v, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		credsFetcher: opts.Credentials,
		httpClient:   opts.HTTPClient,
		colors:       opts.Colors,
		analyzer:     nim.NewAnalyzer(opts.Colors, opts.Logger),
		validator:    v,
		chat:         opts.Chat,
		adminKey:     opts.AdminAPIKey,
		mux:          http.NewServeMux(),
		logger:       opts.Logger,
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/chat", allow(http.MethodPost, s.chatHandler))

	s.mux.HandleFunc("/api/colors/extract", allow(http.MethodPost, s.extractColorsHandler))
	s.mux.HandleFunc("/api/colors/palette", allow(http.MethodPost, s.generatePaletteHandler))
	s.mux.HandleFunc("/api/colors/accessibility", allow(http.MethodPost, s.accessibilityHandler))
	s.mux.HandleFunc("/api/colors/palette-accessibility", allow(http.MethodPost, s.paletteAccessibilityHandler))
	s.mux.HandleFunc("/api/colors/analyze-image", allow(http.MethodPost, s.analyzeImageHandler))
	s.mux.HandleFunc("/api/colors/comprehensive", allow(http.MethodPost, s.comprehensiveHandler))
	s.mux.HandleFunc("/api/colors/palette-types", allow(http.MethodGet, s.paletteTypesHandler))
	s.mux.HandleFunc("/api/colors/wcag-requirements", allow(http.MethodGet, s.wcagRequirementsHandler))
	s.mux.HandleFunc("/api/nim/health", allow(http.MethodGet, s.nimHealthHandler))

	s.mux.HandleFunc("/health", allow(http.MethodGet, s.healthHandler))
	s.mux.HandleFunc("/admin/credentials", s.adminMiddleware(allow(http.MethodPost, s.credentialsHandler)))
	s.mux.HandleFunc("/admin/credentials/status", s.adminMiddleware(allow(http.MethodGet, s.credentialsStatusHandler)))
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.recoverMiddleware(s.mux)).ServeHTTP(w, r)
}

func allow(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// statusRecorder remembers the status code and keeps the Flusher available.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger := s.logger.With().Str("request_id", requestID).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

// recoverMiddleware turns a handler panic into a plain 500 so clients never
// see a stack trace.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")

			if sr, ok := w.(*statusRecorder); ok && sr.status != 0 {
				return
			}
			http.Error(w, "Server Error: internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(r *http.Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}

func requestID(w http.ResponseWriter) string {
	return w.Header().Get("X-Request-ID")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	key, err := s.credsFetcher.GetAPIKey()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"api_configured": err == nil && key != "",
	})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	requestLogger(r).Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
