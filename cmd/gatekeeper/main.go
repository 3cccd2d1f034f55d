// Command gatekeeper runs the traffic controller as a small HTTP
// gateway: completion requests come in on /v1/complete, admission
// metrics are scraped from /metrics, and /status reports queue and
// circuit state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gatekeeper/pkg/config"
	"gatekeeper/pkg/dispatch"
	"gatekeeper/pkg/limiter"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/metrics"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "gatekeeper.yaml", "Path to controller configuration")
		listenAddr  = flag.String("listen", ":8080", "HTTP listen address")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatekeeper %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *listenAddr))
}

// run contains the main application logic and returns an exit code, so
// defers execute before the process exits.
func run(configPath, listenAddr string) int {
	logger := logx.NewLogger("gatekeeper")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		return 1
	}

	estimator, err := limiter.NewTiktokenEstimator()
	if err != nil {
		logger.Error("Failed to initialize token estimator", "error", err)
		return 1
	}

	controller, err := dispatch.New(cfg,
		dispatch.WithLogger(logger.With("subsystem", "dispatch")),
		dispatch.WithRecorder(metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)),
		dispatch.WithEstimator(estimator),
	)
	if err != nil {
		logger.Error("Failed to build traffic controller", "error", err)
		return 1
	}
	if err := controller.Start(); err != nil {
		logger.Error("Failed to start traffic controller", "error", err)
		return 1
	}

	providers := NewProviderSet()
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           NewServer(controller, providers, logger.With("subsystem", "http")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown interrupted", "error", err)
	}
	if err := controller.Stop(shutdownCtx); err != nil {
		logger.Warn("Controller shutdown interrupted", "error", err)
		return 1
	}
	return 0
}
