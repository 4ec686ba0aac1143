// Command quail-ingest reads one message from stdin and classifies it, the
// way an MTA pipe transport invokes a local delivery agent:
//
//	quail-ingest -config /etc/quail/config.toml rcpt@example.org
//
// The recipient comes from the first argument, or from QUAIL_RCPT when no
// argument is given. Guard rejections (empty or oversized input) exit 0 so
// the MTA does not requeue the message.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/migadu/quail/config"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/ingest"
	"github.com/migadu/quail/logger"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	rcpt := flag.Arg(0)
	if rcpt == "" {
		rcpt = os.Getenv("QUAIL_RCPT")
	}
	if rcpt == "" {
		fmt.Fprintln(os.Stderr, "QUAIL-INGEST: recipient required (argument or QUAIL_RCPT)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "QUAIL-INGEST: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "QUAIL-INGEST: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Fatal("failed to read message from stdin", "error", err)
	}

	ctx := context.Background()
	database, err := db.New(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open database", "path", cfg.Storage.DatabasePath, "error", err)
	}
	defer database.Close()

	pipeline := ingest.NewPipeline(database, ingest.Options{
		EmlDir:         cfg.Storage.EmlDir,
		AttachmentDir:  cfg.Storage.AttachmentDir,
		MaxMessageSize: cfg.Ingest.MaxMessageSizeBytes(),
	})

	status, err := pipeline.Ingest(ctx, raw, rcpt)
	if err != nil {
		if errors.Is(err, ingest.ErrEmptyMessage) || errors.Is(err, ingest.ErrMessageTooLarge) {
			logger.Warn("message discarded by guard", "rcpt", rcpt, "error", err)
			os.Exit(0)
		}
		logger.Fatal("ingest failed", "rcpt", rcpt, "error", err)
	}
	logger.Info("message processed", "rcpt", rcpt, "status", string(status))
}
