// Package lmtp exposes the ingest pipeline over LMTP so a relaying MTA can
// hand messages to quail per recipient.
package lmtp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/quail/ingest"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/pkg/metrics"
)

// Backend accepts LMTP sessions and feeds each transaction to the ingest
// pipeline. It implements smtp.Backend.
type Backend struct {
	addr     string
	hostname string
	pipeline *ingest.Pipeline
	server   *smtp.Server
	appCtx   context.Context

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

// Options configures the LMTP listener.
type Options struct {
	MaxRecipients  int
	MaxMessageSize int64
	SessionTimeout time.Duration
	Debug          bool
}

// New builds an LMTP backend bound to addr.
func New(appCtx context.Context, hostname, addr string, pipeline *ingest.Pipeline, options Options) *Backend {
	backend := &Backend{
		addr:     addr,
		hostname: hostname,
		pipeline: pipeline,
		appCtx:   appCtx,
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.LMTP = true
	s.Network = "tcp"
	s.MaxRecipients = options.MaxRecipients
	// The hard cap lives in the pipeline guard; the protocol limit adds one
	// byte so an exact-limit message is still readable.
	if options.MaxMessageSize > 0 {
		s.MaxMessageBytes = options.MaxMessageSize + 1
	}
	if options.SessionTimeout > 0 {
		s.ReadTimeout = options.SessionTimeout
		s.WriteTimeout = options.SessionTimeout
	}
	if options.Debug {
		var debugWriter io.Writer = os.Stdout
		s.Debug = debugWriter
	}

	backend.server = s
	return backend
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.LMTPSessionsTotal.Inc()

	s := &Session{
		backend:   b,
		conn:      c,
		startTime: time.Now(),
	}
	logger.Debug("LMTP: new session",
		"remote", c.Conn().RemoteAddr().String(),
		"active", b.activeConnections.Load())
	return s, nil
}

// Start serves until the listener fails or the server is closed. Startup and
// runtime failures are reported on errChan.
func (b *Backend) Start(errChan chan error) {
	logger.Info("LMTP server listening", "addr", b.addr, "hostname", b.hostname)
	if err := b.server.ListenAndServe(); err != nil {
		if b.appCtx.Err() != nil {
			logger.Info("LMTP server stopped gracefully")
			return
		}
		errChan <- fmt.Errorf("LMTP server error: %w", err)
	}
}

// Close shuts the listener down.
func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative connection count.
func (b *Backend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current connection count.
func (b *Backend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}
