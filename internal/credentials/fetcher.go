package credentials

import (
	"errors"
	"strings"
)

// ErrNoAPIKey is returned when a source holds no usable key.
var ErrNoAPIKey = errors.New("no API key configured")

// APIKeyFetcher retrieves the bearer key sent to the chat backend.
type APIKeyFetcher interface {
	GetAPIKey() (string, error)
}

var placeholders = []string{
	"your_actual_api_key_here",
	"Your API Key",
}

// IsPlaceholder reports whether key is one of the sample values shipped in
// example env files.
func IsPlaceholder(key string) bool {
	key = strings.TrimSpace(key)
	for _, p := range placeholders {
		if key == p {
			return true
		}
	}
	return false
}

func checkKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNoAPIKey
	}
	if IsPlaceholder(key) {
		return "", errors.New("API key is still the example placeholder")
	}
	return key, nil
}

// NoneFetcher is used for backends that need no authorization.
type NoneFetcher struct{}

func (NoneFetcher) GetAPIKey() (string, error) {
	return "", nil
}

// APIKeyStore is implemented by sources that can persist a new key.
type APIKeyStore interface {
	APIKeyFetcher
	SetAPIKey(key string) error
}
