// Settler - mining pool settlement and attribution engine
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mintpool/settler/internal/alert"
	"github.com/mintpool/settler/internal/api"
	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/ledger"
	"github.com/mintpool/settler/internal/newrelic"
	"github.com/mintpool/settler/internal/notify"
	"github.com/mintpool/settler/internal/profiling"
	"github.com/mintpool/settler/internal/reconcile"
	"github.com/mintpool/settler/internal/settle"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
	"github.com/mintpool/settler/internal/valuation"
	"github.com/mintpool/settler/internal/withdraw"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Settler v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("Settler v%s starting: %d pool accounts", version, len(cfg.Pools))

	// Connect to Redis
	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// APM
	apm := newrelic.NewAgent(&cfg.NewRelic)
	if err := apm.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}

	// Profiling server
	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Warnf("Failed to start profiling server: %v", err)
	}

	// Notifications and alerts
	notifier := notify.NewNotifier(&cfg.Notify)
	alerts := alert.NewService(redis, notifier)

	// Settlement pipeline
	tiers, err := ledger.TiersFromConfig(cfg.Settlement.CommissionTiers)
	if err != nil {
		util.Fatalf("Bad commission tiers: %v", err)
	}
	writer := ledger.NewWriter(redis, cfg.Settlement.Scale, tiers)
	recon := reconcile.NewService(cfg.Reconcile.HashrateThreshold, cfg.Reconcile.RevenueThreshold, alerts)
	val := valuation.NewService(&cfg.Valuation)

	engine, err := settle.NewEngine(cfg, redis, val, recon, writer, notifier, apm)
	if err != nil {
		util.Fatalf("Failed to build settlement engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		util.Fatalf("Failed to start settlement engine: %v", err)
	}

	// Withdrawals
	withdrawals := withdraw.NewService(redis, alerts, apm, cfg.Settlement.Scale, cfg.Valuation.DisplayCurrency)

	// API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, redis, alerts, withdrawals, engine)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Settler started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	if apiServer != nil {
		apiServer.Stop()
	}
	engine.Stop()
	profiler.Stop()
	apm.Stop()

	util.Info("Settler stopped")
}
