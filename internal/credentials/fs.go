package credentials

import (
	"encoding/json"
	"fmt"
	"os"
)

type fsCredentials struct {
	APIKey string `json:"api_key"`
}

// FSFetcher reads the API key from a JSON file of the form {"api_key": "..."}.
type FSFetcher struct {
	Path string
}

func NewFSFetcher(path string) *FSFetcher {
	return &FSFetcher{Path: path}
}

func (f *FSFetcher) GetAPIKey() (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials file: %w", err)
	}
	var c fsCredentials
	if err := json.Unmarshal(b, &c); err != nil {
		return "", fmt.Errorf("failed to parse credentials file: %w", err)
	}
	key, err := checkKey(c.APIKey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", f.Path, err)
	}
	return key, nil
}

// WriteAPIKey stores key at path with owner-only permissions, creating the
// parent directory if needed.
func WriteAPIKey(path, key string) error {
	if _, err := checkKey(key); err != nil {
		return err
	}
	if err := EnsureParentDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fsCredentials{APIKey: key}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

func (f *FSFetcher) SetAPIKey(key string) error {
	return WriteAPIKey(f.Path, key)
}
