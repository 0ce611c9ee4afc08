package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dvcrn/colorbot-proxy/internal/nim"
)

const maxColorRequestSize = 1 << 20

// readColorRequest decodes and validates a JSON body. It writes the 400
// itself and reports false when the handler should stop.
func (s *Server) readColorRequest(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxColorRequestSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, colorFailure("failed to read request body"))
		return false
	}
	if err := s.validator.decode(schema, body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, colorFailure(err.Error()))
		return false
	}
	return true
}

func colorFailure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

// writeColorError maps a color service failure onto a gateway status.
func writeColorError(w http.ResponseWriter, r *http.Request, err error) {
	requestLogger(r).Error().Err(err).Msg("Color service call failed")

	status := http.StatusBadGateway
	var se *nim.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500:
		status = se.StatusCode
	}
	writeJSON(w, status, colorFailure(err.Error()))
}

func (s *Server) extractColorsHandler(w http.ResponseWriter, r *http.Request) {
	var req nim.ExtractRequest
	if !s.readColorRequest(w, r, schemaExtract, &req) {
		return
	}
	res, err := s.colors.ExtractColors(r.Context(), req)
	if err != nil {
		writeColorError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, res)
}

func (s *Server) generatePaletteHandler(w http.ResponseWriter, r *http.Request) {
	var req nim.PaletteRequest
	if !s.readColorRequest(w, r, schemaPalette, &req) {
		return
	}
	res, err := s.colors.GeneratePalette(r.Context(), req)
	if err != nil {
		writeColorError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, res)
}

func (s *Server) accessibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req nim.AccessibilityRequest
	if !s.readColorRequest(w, r, schemaAccessibility, &req) {
		return
	}
	res, err := s.colors.CheckAccessibility(r.Context(), req)
	if err != nil {
		writeColorError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, res)
}

func (s *Server) paletteAccessibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req nim.PaletteAccessibilityRequest
	if !s.readColorRequest(w, r, schemaPaletteAccessibility, &req) {
		return
	}
	res, err := s.colors.CheckPaletteAccessibility(r.Context(), req)
	if err != nil {
		writeColorError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, res)
}

type analyzeImageRequest struct {
	ImageURL  string `json:"image_url"`
	NumColors int    `json:"num_colors"`
}

func (s *Server) analyzeImageHandler(w http.ResponseWriter, r *http.Request) {
	var req analyzeImageRequest
	if !s.readColorRequest(w, r, schemaAnalyzeImage, &req) {
		return
	}
	res, err := s.analyzer.AnalyzeImage(r.Context(), req.ImageURL, req.NumColors)
	if err != nil {
		writeColorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type comprehensiveRequest struct {
	BaseColor    string   `json:"base_color"`
	PaletteTypes []string `json:"palette_types"`
}

func (s *Server) comprehensiveHandler(w http.ResponseWriter, r *http.Request) {
	var req comprehensiveRequest
	if !s.readColorRequest(w, r, schemaComprehensive, &req) {
		return
	}
	res, err := s.analyzer.ComprehensivePalette(r.Context(), req.BaseColor, req.PaletteTypes)
	if err != nil {
		writeColorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) paletteTypesHandler(w http.ResponseWriter, r *http.Request) {
	writeRawJSON(w, http.StatusOK, s.colors.PaletteTypes(r.Context()))
}

func (s *Server) wcagRequirementsHandler(w http.ResponseWriter, r *http.Request) {
	writeRawJSON(w, http.StatusOK, s.colors.WCAGRequirements(r.Context()))
}

func (s *Server) nimHealthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.colors.HealthAll(r.Context())

	overall := "healthy"
	for _, h := range status {
		if h.Status != "healthy" {
			overall = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   overall,
		"services": status,
	})
}

