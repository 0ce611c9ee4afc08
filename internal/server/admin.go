package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dvcrn/colorbot-proxy/internal/credentials"
)

// adminMiddleware checks for valid admin API key from either
// 'Authorization: Bearer <key>' or 'X-API-Key: <key>' headers.
func (s *Server) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r)

		if s.adminKey == "" {
			log.Error().Msg("Admin API key not configured")
			http.Error(w, "Admin API not configured", http.StatusInternalServerError)
			return
		}

		var providedToken string
		authHeader := r.Header.Get("Authorization")
		xAPIKeyHeader := r.Header.Get("X-API-Key")

		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				log.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for admin endpoint")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			providedToken = parts[1]
		} else if xAPIKeyHeader != "" {
			providedToken = xAPIKeyHeader
		} else {
			log.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing required Authorization or X-API-Key header for admin endpoint")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedToken), []byte(s.adminKey)) != 1 {
			log.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid admin API key provided")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		log.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Msg("Admin request authorized")

		next(w, r)
	}
}

// credentialsHandler handles POST /admin/credentials for replacing the
// backend API key.
func (s *Server) credentialsHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)

	store, ok := s.credsFetcher.(credentials.APIKeyStore)
	if !ok {
		log.Error().Msg("Credentials source is read-only")
		http.Error(w, "Current credentials source cannot be updated", http.StatusBadRequest)
		return
	}

	var reqBody struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&reqBody); err != nil {
		log.Error().Err(err).Msg("Failed to parse request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(reqBody.APIKey) == "" {
		http.Error(w, "Missing required field: api_key", http.StatusBadRequest)
		return
	}

	if err := store.SetAPIKey(reqBody.APIKey); err != nil {
		log.Error().Err(err).Msg("Failed to update API key")
		http.Error(w, fmt.Sprintf("Failed to update credentials: %s", err), http.StatusInternalServerError)
		return
	}

	log.Info().Msg("API key updated successfully")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Credentials updated successfully",
	})
}

// credentialsStatusHandler handles GET /admin/credentials/status
func (s *Server) credentialsStatusHandler(w http.ResponseWriter, r *http.Request) {
	_, writable := s.credsFetcher.(credentials.APIKeyStore)
	key, err := s.credsFetcher.GetAPIKey()

	response := map[string]any{
		"writable":       writable,
		"hasCredentials": err == nil && key != "",
	}
	switch {
	case err != nil:
		response["error"] = err.Error()
	case key != "":
		response["keyPreview"] = maskKey(key)
	}
	writeJSON(w, http.StatusOK, response)
}

func maskKey(key string) string {
	if len(key) > 12 {
		return key[:6] + "…" + key[len(key)-4:]
	}
	return strings.Repeat("*", len(key))
}
