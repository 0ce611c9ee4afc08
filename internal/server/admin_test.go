package server

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dvcrn/colorbot-proxy/internal/credentials"
)

func TestAdminMiddleware(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.AdminAPIKey = "admin-secret" })

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"missing header", nil, http.StatusUnauthorized},
		{"malformed authorization", []string{"Authorization", "admin-secret"}, http.StatusUnauthorized},
		{"wrong bearer", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", []string{"Authorization", "bearer admin-secret"}, http.StatusOK},
		{"x-api-key", []string{"X-API-Key", "admin-secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/admin/credentials/status", "", tt.headers...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("not configured", func(t *testing.T) {
		rec := do(t, newTestServer(t, nil), http.MethodGet, "/admin/credentials/status", "", "X-API-Key", "anything")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestAdminCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	fetcher := credentials.NewCachedFetcher(credentials.NewFSFetcher(path), time.Minute, zerolog.Nop())
	s := newTestServer(t, func(o *Options) {
		o.AdminAPIKey = "admin-secret"
		o.Credentials = fetcher
	})
	auth := []string{"X-API-Key", "admin-secret"}

	rec := do(t, s, http.MethodGet, "/admin/credentials/status", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "hasCredentials").Bool())
	assert.True(t, gjson.Get(rec.Body.String(), "writable").Bool())
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "error").String())

	rec = do(t, s, http.MethodPost, "/admin/credentials", `{"api_key":"sk-abcdef1234567890"}`, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	key, err := credentials.NewFSFetcher(path).GetAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-abcdef1234567890", key)

	rec = do(t, s, http.MethodGet, "/admin/credentials/status", "", auth...)
	assert.True(t, gjson.Get(rec.Body.String(), "hasCredentials").Bool())
	assert.Equal(t, "sk-abc…7890", gjson.Get(rec.Body.String(), "keyPreview").String())

	rec = do(t, s, http.MethodPost, "/admin/credentials", `{"api_key":""}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/admin/credentials", `{"api_key":"Your API Key"}`, auth...)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, s, http.MethodGet, "/admin/credentials", "", auth...)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminCredentials_ReadOnlySource(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.AdminAPIKey = "admin-secret" })

	rec := do(t, s, http.MethodPost, "/admin/credentials", `{"api_key":"sk-new"}`, "X-API-Key", "admin-secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("sk-1"))
	assert.Equal(t, "sk-abc…7890", maskKey("sk-abcdef1234567890"))
}
