// Package main is the artifact service entrypoint.
//
// The process serves two cached artifact kinds for members of the web-ring
// graph: favicons (GET /api/favicon?url=) and page screenshots
// (GET /api/snap?url=|path=). Only URLs published in the crawl document are
// acted on. Artifacts live in per-kind disk caches whose index is loaded at
// startup; a janitor sweeps expired entries and re-captures stale
// screenshots. SIGINT/SIGTERM cancel in-flight captures and drain the server.
//
// Run locally: go run ./cmd/artifactd -config config.yaml, or rely on
// ARTIFACTS_* environment overrides such as ARTIFACTS_ALLOWLIST_CRAWL_URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/webchain-artifacts/internal/config"
	"github.com/JakeFAU/webchain-artifacts/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
}
