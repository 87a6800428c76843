// Package main is the entry point for the wheelsondemand API gateway.
//
// The gateway matches inbound paths against configured route prefixes and
// forwards them to upstream services through a per-route filter chain:
//   - Path rewriting
//   - Token-bucket rate limiting, in memory or shared through Redis
//   - Circuit breaking with a fixed internal fallback route
//   - Retries with exponential backoff for idempotent requests
//   - A response timestamp header
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/wheelsondemand/gateway/internal/config"
	"github.com/wheelsondemand/gateway/internal/observability"
	"github.com/wheelsondemand/gateway/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command named by args[0], or serves when there is none,
// and returns the process exit code. Returning instead of exiting lets the
// deferred watcher and signal cleanup run on failure.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}
	if cmd == "version" {
		fmt.Fprintf(stdout, "apigateway %s\n", version)
		return 0
	}

	// YAML file first, GATEWAY_* environment variables on top.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "fatal: configuration error: %v\n", err)
		return 1
	}
	if cmd == "check" {
		fmt.Fprintf(stdout, "%s: ok, %d routes\n", config.ConfigFilePath(), len(cfg.Routes))
		return 0
	}

	logger := observability.NewLoggerTo(stdout, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting apigateway", "version", version, "routes", len(cfg.Routes))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Run(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}

	logger.Info("apigateway shut down gracefully")
	return 0
}
