//go:build js && wasm

package main

import (
	"github.com/syumai/workers"

	"github.com/dvcrn/colorbot-proxy/internal/app"
	"github.com/dvcrn/colorbot-proxy/internal/config"
	"github.com/dvcrn/colorbot-proxy/internal/credentials"
	"github.com/dvcrn/colorbot-proxy/internal/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.Options{Env: "production", Level: cfg.LogLevel})

	log.Info().Msg("Using Cloudflare KV credentials fetcher")
	kvFetcher, err := credentials.NewCloudflareKVFetcher()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Cloudflare KV fetcher")
	}
	creds := credentials.NewCachedFetcher(kvFetcher, cfg.Credentials.CacheTTL, log)

	srv, err := app.NewServer(cfg, creds, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	workers.Serve(srv)
}
