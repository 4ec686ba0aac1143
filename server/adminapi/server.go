// Package adminapi is the HTTP management surface of quail: domain policies,
// address rules, quarantined messages, retention settings and the audit log.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/purge"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

// Server represents the admin HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	database     *db.Database
	purgeEngine  *purge.Engine
	server       *http.Server
}

// ServerOptions holds configuration options for the admin API server.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	PurgeEngine  *purge.Engine
}

// New creates a new admin API server.
func New(database *db.Database, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the admin API server")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		database:     database,
		purgeEngine:  options.PurgeEngine,
	}, nil
}

// Start creates the server and serves until ctx is cancelled. Failures are
// reported on errChan.
func Start(ctx context.Context, database *db.Database, options ServerOptions, errChan chan error) {
	server, err := New(database, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}
	logger.Info("Starting admin API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down admin API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down admin API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware.
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	// Unauthenticated probes.
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Domain policy routes
	v1.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	v1.HandleFunc("/policies/{domain}", s.handleGetPolicy).Methods("GET")
	v1.HandleFunc("/policies/{domain}", s.handleUpdatePolicy).Methods("PUT")
	v1.HandleFunc("/policies/{domain}", s.handleDeletePolicy).Methods("DELETE")

	// Address rule routes
	v1.HandleFunc("/rules", s.handleListRules).Methods("GET")
	v1.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	v1.HandleFunc("/rules/{id:[0-9]+}", s.handleGetRule).Methods("GET")
	v1.HandleFunc("/rules/{id:[0-9]+}", s.handleUpdateRule).Methods("PUT")
	v1.HandleFunc("/rules/{id:[0-9]+}", s.handleDeleteRule).Methods("DELETE")

	// Message routes
	v1.HandleFunc("/messages", s.handleListMessages).Methods("GET")
	v1.HandleFunc("/messages/bulk", s.handleBulkMessages).Methods("POST")
	v1.HandleFunc("/messages/{id:[0-9]+}", s.handleGetMessage).Methods("GET")
	v1.HandleFunc("/messages/{id:[0-9]+}", s.handleDeleteMessage).Methods("DELETE")
	v1.HandleFunc("/messages/{id:[0-9]+}/restore", s.handleRestoreMessage).Methods("POST")

	// Settings and maintenance routes
	v1.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	v1.HandleFunc("/settings", s.handleUpdateSettings).Methods("PUT")
	v1.HandleFunc("/purge/run", s.handleRunPurge).Methods("POST")
	v1.HandleFunc("/audit", s.handleListAudit).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("admin API request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requirePin verifies the X-Admin-Pin header against the stored bcrypt hash.
// The first PIN ever presented seeds the hash.
func (s *Server) requirePin(r *http.Request) error {
	pin := r.Header.Get("X-Admin-Pin")
	if pin == "" {
		return fmt.Errorf("X-Admin-Pin header required for this operation")
	}

	ctx := r.Context()
	storedHash, err := s.database.GetSetting(ctx, db.SettingAdminPinHash)
	if err != nil {
		return err
	}
	if storedHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash admin PIN: %w", err)
		}
		if err := s.database.SetSetting(ctx, db.SettingAdminPinHash, string(hash)); err != nil {
			return err
		}
		logger.Info("admin PIN seeded on first use")
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(pin)); err != nil {
		return fmt.Errorf("invalid admin PIN")
	}
	return nil
}

// audit records an admin mutation; failures are logged, never surfaced to the
// client after the mutation already happened.
func (s *Server) audit(r *http.Request, action, entity string, before, after any) {
	entry := db.AdminAction{
		Action:   action,
		Actor:    "api",
		Entity:   entity,
		SourceIP: getClientIP(r),
	}
	if before != nil {
		if data, err := json.Marshal(before); err == nil {
			state := string(data)
			entry.BeforeState = &state
		}
	}
	if after != nil {
		if data, err := json.Marshal(after); err == nil {
			state := string(data)
			entry.AfterState = &state
		}
	}
	if err := s.database.LogAdminAction(r.Context(), entry); err != nil {
		logger.Error("failed to record audit entry", "action", action, "error", err)
	}
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("admin API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.database.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
