// Command quail runs the mail quarantine gateway: the LMTP ingest listener,
// the retention purge worker and the admin HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/quail/config"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/ingest"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/purge"
	"github.com/migadu/quail/server/adminapi"
	"github.com/migadu/quail/server/lmtp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quail version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "QUAIL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "QUAIL: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "QUAIL: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open database", "path", cfg.Storage.DatabasePath, "error", err)
	}
	defer database.Close()
	logger.Info("database ready", "path", database.Path())

	pipeline := ingest.NewPipeline(database, ingest.Options{
		EmlDir:         cfg.Storage.EmlDir,
		AttachmentDir:  cfg.Storage.AttachmentDir,
		MaxMessageSize: cfg.Ingest.MaxMessageSizeBytes(),
	})

	purgeEngine := purge.NewEngine(database, cfg.Purge.GetBatchSize(), cfg.Purge.GetAuditRetention())

	var purgeWorker *purge.Worker
	if cfg.Purge.Enabled {
		interval, err := cfg.Purge.GetInterval()
		if err != nil {
			logger.Fatal("invalid purge configuration", "error", err)
		}
		purgeWorker = purge.NewWorker(purgeEngine, interval)
		purgeWorker.Start(ctx)
	}

	errChan := make(chan error, 2)

	var lmtpBackend *lmtp.Backend
	if cfg.LMTP.Enabled {
		timeout, err := cfg.LMTP.GetSessionTimeout()
		if err != nil {
			logger.Fatal("invalid LMTP configuration", "error", err)
		}
		hostname := cfg.LMTP.Hostname
		if hostname == "" {
			hostname, _ = os.Hostname()
		}
		lmtpBackend = lmtp.New(ctx, hostname, cfg.LMTP.GetAddr(), pipeline, lmtp.Options{
			MaxRecipients:  cfg.LMTP.GetMaxRecipients(),
			MaxMessageSize: cfg.Ingest.MaxMessageSizeBytes(),
			SessionTimeout: timeout,
		})
		go lmtpBackend.Start(errChan)
	}

	if cfg.AdminAPI.Enabled {
		go adminapi.Start(ctx, database, adminapi.ServerOptions{
			Addr:         cfg.AdminAPI.GetAddr(),
			APIKey:       cfg.AdminAPI.APIKey,
			AllowedHosts: cfg.AdminAPI.AllowedHosts,
			PurgeEngine:  purgeEngine,
		}, errChan)
	}

	if !cfg.LMTP.Enabled && !cfg.AdminAPI.Enabled && !cfg.Purge.Enabled {
		logger.Fatal("nothing to do: enable at least one of lmtp, admin_api or purge")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("server error, shutting down", "error", err)
	}

	cancel()
	if lmtpBackend != nil {
		if err := lmtpBackend.Close(); err != nil {
			logger.Warn("error closing LMTP listener", "error", err)
		}
	}
	if purgeWorker != nil {
		purgeWorker.Stop()
	}
	logger.Info("shutdown complete")
}
