// Package main provides the coingated daemon - the custodial coin
// gateway: HTTP API, deposit reconciler and operational feeds.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/plutonpay/coingate/internal/config"
	"github.com/plutonpay/coingate/internal/gateway"
	"github.com/plutonpay/coingate/internal/kvcache"
	"github.com/plutonpay/coingate/internal/metrics"
	"github.com/plutonpay/coingate/internal/reconciler"
	"github.com/plutonpay/coingate/internal/registry"
	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/internal/webhook"
	"github.com/plutonpay/coingate/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.coingate", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "API listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("coingated %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Update logging with config level and sink
	logOutput := os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			log.Fatal("Failed to open log file", "path", cfg.Logging.File, "error", err)
		}
		defer f.Close()
		logOutput = f
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOutput,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	// Initialize the ledger store
	store, err := storage.New(&storage.Config{
		Mode: cfg.Database.Mode,
		DSN:  cfg.Database.DSN(),
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "mode", cfg.Database.Mode)

	// Response/tip cache: shared Redis when configured, in-process
	// otherwise. A dead Redis degrades to the in-process cache.
	var cache kvcache.Store
	if cfg.Redis.Enabled {
		redisCache, err := kvcache.NewRedis(cfg.Redis.Address, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			log.Warn("Redis unavailable, using in-process cache", "addr", cfg.Redis.Address, "error", err)
			cache = kvcache.NewMemory(1024)
		} else {
			cache = redisCache
			log.Info("Redis cache connected", "addr", cfg.Redis.Address)
		}
	} else {
		cache = kvcache.NewMemory(1024)
	}

	// Load the coin table and address registry snapshots. An empty coin
	// table is survivable; the settings loop retries.
	coins := registry.NewCoinTable(store)
	if err := coins.Reload(); err != nil {
		log.Warn("Failed to load coin settings", "error", err)
	}
	addrs := registry.New(store)
	if err := addrs.Reload(); err != nil {
		log.Warn("Failed to load address registry", "error", err)
	}
	log.Info("Snapshots loaded", "coins", len(coins.Names()), "addresses", addrs.Current().Len())

	notifier := webhook.New(cfg.Webhook.URL, log)
	m := metrics.New()

	// Start the API server
	apiServer := gateway.NewServer(gateway.Options{
		Config:  cfg,
		Store:   store,
		Cache:   cache,
		Coins:   coins,
		Addrs:   addrs,
		Events:  notifier,
		Metrics: m,
	})
	if err := apiServer.Start(cfg.Server.Listen); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	// Start the reconciler; its notices fan out to the webhook and the
	// WS ops feed.
	recon := reconciler.New(reconciler.Options{
		Store:     store,
		Cache:     cache,
		Coins:     coins,
		Addresses: addrs,
		Events:    webhook.Fanout{notifier, apiServer.Hub()},
		Metrics:   m,
		Config:    cfg.Reconciler,
		Logger:    log,
	})
	recon.Start()

	printBanner(log, cfg)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	recon.Stop()
	if err := apiServer.Stop(); err != nil {
		log.Error("Error stopping API server", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Coin Gateway (%s)", cfg.Database.Mode)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API:     http://%s", cfg.Server.Listen)
	log.Infof("  WS:      ws://%s/ws", cfg.Server.Listen)
	log.Infof("  Metrics: http://%s/metrics", cfg.Server.Listen)
	log.Info("")
	log.Infof("  Scan every %s, promote every %s", cfg.Reconciler.ScanInterval, cfg.Reconciler.PromoteInterval)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
