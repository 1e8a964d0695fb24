// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command truthd starts the Aleutian Truth API server.
//
// Aleutian Truth provides governed system state for automated agents:
//   - Atomic snapshot assembly over an append-only ledger
//   - Fail-closed validated retrieval with full audit records
//   - Signed, single-use context packages scoped by role
//   - Output-to-snapshot provenance bindings
//   - Violation detection with websocket escalation
//
// Usage:
//
//	go run ./cmd/truthd serve --config truthd.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8440/v1/truth/health
//
//	# Validated retrieval
//	curl 'http://localhost:8440/v1/truth/snapshot?agent_id=AGENT_1&tier=operational'
//
//	# Issue a signed context package
//	curl -X POST http://localhost:8440/v1/truth/context \
//	  -H "Content-Type: application/json" \
//	  -d '{"agent_id": "AGENT_1", "role": "advisor"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianTruth/pkg/logging"
	"github.com/AleutianAI/AleutianTruth/services/truth"
	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/config"
	"github.com/AleutianAI/AleutianTruth/services/truth/gateway"
	"github.com/AleutianAI/AleutianTruth/services/truth/state"
	"github.com/AleutianAI/AleutianTruth/services/truth/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Wipes enclave memory on interrupt before the process dies.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "truthd",
		Short: "Aleutian Truth server",
		Long:  "truthd serves atomic state snapshots, signed context packages, and provenance bindings for automated agents.",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the truth server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, debug)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "truthd.yaml", "Path to YAML configuration")
	serveCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug mode")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "truthd",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slogger := logger.Slog()

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Metrics pipeline: OTel instruments exported through the
	// Prometheus registry served on the metrics address.
	promRegistry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return fmt.Errorf("create metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = meterProvider.Shutdown(ctx)
	}()
	telemetry.SetMeterProvider(meterProvider)
	telemetry.SetMetricsEnabled(true)

	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}

	dbCfg := audit.DefaultConfig()
	dbCfg.Path = cfg.Storage.Path
	dbCfg.InMemory = cfg.Storage.InMemory
	dbCfg.Logger = slogger
	db, err := audit.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer db.Close()

	providers := make([]state.Provider, 0, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p, err := state.NewHTTPProvider(name, pc.URL, nil)
		if err != nil {
			return fmt.Errorf("build provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}

	svc, err := truth.NewService(cfg, truth.Options{
		DB:        db,
		Providers: providers,
		Signer:    signer,
		Logger:    slogger,
	})
	if err != nil {
		return fmt.Errorf("build truth service: %w", err)
	}

	handlers := truth.NewHandlers(svc)

	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	v1 := router.Group("/v1")
	truth.RegisterRoutes(v1, handlers)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	apiServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: router}
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)
	defer svc.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slogger.Info("Starting truth API server", "address", cfg.Server.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slogger.Info("Starting metrics server", "address", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slogger.Info("Shutting down truth server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slogger.Warn("API server shutdown", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slogger.Warn("Metrics server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// loadSigner builds the package signer from the configured seed file,
// or generates an ephemeral key when none is configured. Ephemeral
// keys mean previously issued packages stop verifying after a
// restart; production deployments should pin a seed file.
func loadSigner(cfg *config.Config) (*gateway.Signer, error) {
	if cfg.SigningSeedFile == "" {
		return gateway.GenerateSigner()
	}
	seed, err := os.ReadFile(cfg.SigningSeedFile)
	if err != nil {
		return nil, fmt.Errorf("read signing seed %s: %w", cfg.SigningSeedFile, err)
	}
	signer, err := gateway.NewSigner(seed)
	if err != nil {
		return nil, fmt.Errorf("load signing seed: %w", err)
	}
	return signer, nil
}
