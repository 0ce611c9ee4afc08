//go:build js && wasm

package credentials

import (
	"fmt"

	"github.com/syumai/workers/cloudflare/kv"
)

const (
	kvNamespace = "colorbot_proxy_kv"
	kvKey       = "bailian_api_key"
)

// CloudflareKVFetcher retrieves the API key from Cloudflare KV
type CloudflareKVFetcher struct {
	kvStore *kv.Namespace
}

// NewCloudflareKVFetcher opens the namespace bound in wrangler.toml
func NewCloudflareKVFetcher() (*CloudflareKVFetcher, error) {
	kvStore, err := kv.NewNamespace(kvNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &CloudflareKVFetcher{kvStore: kvStore}, nil
}

func (c *CloudflareKVFetcher) GetAPIKey() (string, error) {
	raw, err := c.kvStore.GetString(kvKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get API key from KV: %w", err)
	}
	key, err := checkKey(raw)
	if err != nil {
		return "", fmt.Errorf("KV %s: %w", kvKey, err)
	}
	return key, nil
}

// SetAPIKey stores key for later requests.
func (c *CloudflareKVFetcher) SetAPIKey(key string) error {
	if _, err := checkKey(key); err != nil {
		return err
	}
	if err := c.kvStore.PutString(kvKey, key, nil); err != nil {
		return fmt.Errorf("failed to store API key in KV: %w", err)
	}
	return nil
}
