// Package httpapi serves the gateway's health, status and metrics endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/popbridge/logger"
	"github.com/migadu/popbridge/pkg/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider reports live connection counters.
type StatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// HealthReporter exposes the status of the gateway's dependencies.
type HealthReporter interface {
	GetOverallStatus() health.ComponentStatus
	GetAllStatuses() map[string]health.ComponentStatus
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	metricsPath  string
	stats        StatsProvider
	health       HealthReporter
	backendType  string
	version      string
	startTime    time.Time
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string   // Bearer token for /api/v1; empty disables the check
	AllowedHosts []string // Client IPs or CIDRs; empty allows all
	MetricsPath  string
	Stats        StatsProvider
	Health       HealthReporter // nil reports healthy
	BackendType  string
	Version      string
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, errors.New("HTTP API address is required")
	}
	for _, h := range options.AllowedHosts {
		if strings.Contains(h, "/") {
			if _, _, err := net.ParseCIDR(h); err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", h, err)
			}
		} else if net.ParseIP(h) == nil {
			return nil, fmt.Errorf("invalid allowed host %q", h)
		}
	}

	metricsPath := options.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		metricsPath:  metricsPath,
		stats:        options.Stats,
		health:       options.Health,
		backendType:  options.BackendType,
		version:      options.Version,
		startTime:    time.Now(),
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr, "metrics_path", server.metricsPath)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	if s.apiKey != "" {
		v1.Use(s.authMiddleware)
	}
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !s.hostAllowed(clientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(client string) bool {
	ip := net.ParseIP(client)
	for _, allowedHost := range s.allowedHosts {
		if allowedHost == client {
			return true
		}
		if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && ip != nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP uses the TCP peer only; forwarding headers are not trusted for
// the allow list.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

type HealthResponse struct {
	Status     string                            `json:"status"`
	Uptime     string                            `json:"uptime"`
	Components map[string]health.ComponentStatus `json:"components,omitempty"`
}

type StatsResponse struct {
	Backend                  string `json:"backend"`
	Version                  string `json:"version,omitempty"`
	UptimeSeconds            int64  `json:"uptime_seconds"`
	ConnectionsTotal         int64  `json:"connections_total"`
	ConnectionsAuthenticated int64  `json:"connections_authenticated"`
}

// handleHealth answers 503 only when a critical dependency is down, so
// load balancers keep routing to a degraded gateway.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	}
	status := http.StatusOK
	if s.health != nil {
		resp.Components = s.health.GetAllStatuses()
		switch overall := s.health.GetOverallStatus(); overall {
		case health.StatusHealthy:
		case health.StatusDegraded:
			resp.Status = string(overall)
		default:
			resp.Status = string(overall)
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Backend:       s.backendType,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.stats != nil {
		resp.ConnectionsTotal = s.stats.GetTotalConnections()
		resp.ConnectionsAuthenticated = s.stats.GetAuthenticatedConnections()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
