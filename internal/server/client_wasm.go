//go:build js && wasm

package server

import (
	"net/http"
	"time"
)

// NewHTTPClient returns the fetch-backed default client. Workers enforce
// their own limits, so headerTimeout is not applied here.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{}
}
