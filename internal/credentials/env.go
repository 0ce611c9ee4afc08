package credentials

import (
	"fmt"
	"os"
)

// DefaultAPIKeyEnv is the variable read by EnvFetcher when none is given.
const DefaultAPIKeyEnv = "BAILIAN_API_KEY"

// EnvFetcher retrieves the API key from an environment variable
type EnvFetcher struct {
	Name string
}

// NewEnvFetcher creates a fetcher reading the named variable, or
// BAILIAN_API_KEY when name is empty.
func NewEnvFetcher(name string) *EnvFetcher {
	if name == "" {
		name = DefaultAPIKeyEnv
	}
	return &EnvFetcher{Name: name}
}

func (e *EnvFetcher) GetAPIKey() (string, error) {
	key, err := checkKey(os.Getenv(e.Name))
	if err != nil {
		return "", fmt.Errorf("%s: %w", e.Name, err)
	}
	return key, nil
}
