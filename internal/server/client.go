//go:build !js || !wasm

package server

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates a client for the chat backend. headerTimeout bounds
// the wait for response headers; the body of a running stream has no
// deadline. Zero means two minutes.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 2 * time.Minute
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}
