// Eligibility - scheme eligibility assessments for farmer support platforms.
// Copyright (c) 2026 FarmGate
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/farmgate/eligibility/internal/api"
	"github.com/farmgate/eligibility/internal/assess"
	"github.com/farmgate/eligibility/internal/batch"
	"github.com/farmgate/eligibility/internal/bus"
	"github.com/farmgate/eligibility/internal/cache"
	"github.com/farmgate/eligibility/internal/domain"
	"github.com/farmgate/eligibility/internal/registry"
	"github.com/farmgate/eligibility/internal/repository"
	"github.com/farmgate/eligibility/internal/risk"
	"github.com/farmgate/eligibility/internal/snapshot"
	"github.com/farmgate/eligibility/internal/waitlist"
	"github.com/farmgate/eligibility/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("ELIGIBILITY_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting eligibility engine",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("ELIGIBILITY_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize snapshot Builder with collaborator sources from environment
	sources := sourcesFromEnv()
	builder := snapshot.NewBuilder(sources, cacheImpl, cfg.Engine.SnapshotTimeout)
	slog.Info("snapshot builder initialized", "source_count", len(sources))

	// Load derived features per tenant (configure via PUT /derived-features)
	tenantIDs := tenantsFromEnv()
	loadDerivedFeatures(ctx, repo, builder, tenantIDs)

	// Initialize services
	reg := registry.New(repo, cacheImpl, logger)
	locks := assess.NewSchemeLocks()
	wl := waitlist.New(repo, busImpl, locks, cfg.Engine.OfferTTL, logger)
	defer wl.Close()
	scorer := risk.NewScorer(cfg.Engine.RiskThresholds, cfg.Engine.MissingFeatureRiskScore)
	orchestrator := assess.New(repo, busImpl, reg, builder, scorer, wl, locks, logger)
	runner := batch.New(orchestrator, cfg.Engine.MaxParallel, logger)

	// Recover waitlist offers that expired while the service was down.
	for _, tenantID := range tenantIDs {
		if n, err := wl.ExpireOffers(ctx, tenantID); err != nil {
			slog.Error("startup offer sweep failed", "tenant_id", tenantID, "error", err)
		} else if n > 0 {
			slog.Info("expired stale waitlist offers", "tenant_id", tenantID, "count", n)
		}
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("ELIGIBILITY_ASYNC_WORKER") == "true" {
		if len(tenantIDs) == 0 {
			slog.Warn("async worker requested but ELIGIBILITY_TENANTS is empty; worker not started")
		} else {
			asyncWorker = worker.New(busImpl, orchestrator, wl, logger)
			workerCfg := worker.Config{
				TenantIDs:     tenantIDs,
				SweepInterval: time.Minute,
			}
			if err := asyncWorker.Start(workerCfg); err != nil {
				slog.Error("failed to start async worker", "error", err)
			} else {
				slog.Info("async worker started", "tenant_count", len(tenantIDs))
			}
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, reg, orchestrator, wl, runner, builder, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("eligibility engine is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("eligibility engine shutdown complete")
}

// sourcesFromEnv builds the collaborator source list from
// ELIGIBILITY_SOURCES, a comma-separated list of name=url pairs.
// ELIGIBILITY_REQUIRED_SOURCES names the sources whose failure aborts an
// assessment; the rest degrade to missing features.
func sourcesFromEnv() []domain.FeatureSource {
	raw := os.Getenv("ELIGIBILITY_SOURCES")
	if raw == "" {
		return nil
	}

	required := map[string]bool{}
	for _, name := range strings.Split(os.Getenv("ELIGIBILITY_REQUIRED_SOURCES"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			required[name] = true
		}
	}

	var sources []domain.FeatureSource
	for _, pair := range strings.Split(raw, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			slog.Warn("skipping malformed source entry", "entry", pair)
			continue
		}
		sources = append(sources, snapshot.NewHTTPSource(name, url, required[name], nil))
		slog.Info("collaborator source registered",
			"source", name,
			"url", url,
			"required", required[name],
		)
	}
	return sources
}

// tenantsFromEnv parses the comma-separated ELIGIBILITY_TENANTS list.
func tenantsFromEnv() []string {
	var tenants []string
	for _, t := range strings.Split(os.Getenv("ELIGIBILITY_TENANTS"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

// loadDerivedFeatures compiles each tenant's stored derived-feature
// expressions into the builder. A tenant with a broken stored expression
// starts without derived features rather than blocking startup.
func loadDerivedFeatures(ctx context.Context, repo domain.Repository, builder *snapshot.Builder, tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		features, err := repo.ListDerivedFeatures(ctx, tenantID)
		if err != nil || len(features) == 0 {
			continue
		}
		ds, err := snapshot.NewDerivedSet()
		if err != nil {
			slog.Error("failed to create derived feature set", "error", err)
			return
		}
		if err := ds.Load(features); err != nil {
			slog.Error("failed to compile stored derived features",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		builder.SetDerived(tenantID, ds)
		slog.Info("derived features loaded",
			"tenant_id", tenantID,
			"count", len(features),
		)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  FarmGate Eligibility Assessment Engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /schemes                            - Create a scheme")
	fmt.Println("    GET  /schemes                            - List schemes")
	fmt.Println("    PUT  /schemes/{id}                       - Edit a scheme (rule edits version)")
	fmt.Println("    POST /schemes/{id}/activate              - Validate rules and activate")
	fmt.Println("    POST /schemes/{id}/close                 - Close a scheme")
	fmt.Println("    PUT  /schemes/{id}/capacity              - Change cap, promote waitlist")
	fmt.Println("    POST /schemes/{id}/assessments           - Assess a farmer")
	fmt.Println("    POST /schemes/{id}/assessments/batch     - Assess a farmer cohort")
	fmt.Println("    GET  /schemes/{id}/waitlist              - View the waitlist")
	fmt.Println("    GET  /assessments/{id}                   - Get an assessment")
	fmt.Println("    POST /assessments/{id}/decision          - Manual decision override")
	fmt.Println("    POST /assessments/{id}/waitlist/accept   - Accept a waitlist offer")
	fmt.Println("    POST /assessments/{id}/waitlist/decline  - Decline a waitlist offer")
	fmt.Println("    GET  /farmers/{id}/assessments           - Assessment history")
	fmt.Println("    PUT  /risk-profile                       - Configure risk factors")
	fmt.Println("    PUT  /derived-features                   - Configure derived features")
	fmt.Println("    GET  /health                             - Health check")
	fmt.Println()
}
