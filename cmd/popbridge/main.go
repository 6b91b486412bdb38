package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/backend/ews"
	"github.com/migadu/popbridge/backend/imapstore"
	"github.com/migadu/popbridge/config"
	"github.com/migadu/popbridge/logger"
	"github.com/migadu/popbridge/message"
	"github.com/migadu/popbridge/pkg/circuitbreaker"
	"github.com/migadu/popbridge/pkg/errors"
	"github.com/migadu/popbridge/pkg/health"
	"github.com/migadu/popbridge/pkg/metrics"
	"github.com/migadu/popbridge/server"
	"github.com/migadu/popbridge/server/httpapi"
	"github.com/migadu/popbridge/server/pop3"
	"golang.org/x/sync/errgroup"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("popbridge version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "POPBRIDGE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "POPBRIDGE: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("popbridge starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := newBackend(cfg.Backend)
	if err != nil {
		errorHandler.FatalError("initialize backend", err)
		os.Exit(errorHandler.ExitCode())
	}

	monitor := health.NewHealthMonitor()
	if cfg.Backend.CircuitBreaker.Enabled {
		cb, interval := newCircuitBreaker(cfg.Backend)
		be = backend.WithBreaker(be, cb)
		monitor.RegisterCheck(health.BreakerCheck(cb, interval))
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	srv, err := newPOP3Server(ctx, cfg, be)
	if err != nil {
		errorHandler.FatalError("create POP3 server", err)
		os.Exit(errorHandler.ExitCode())
	}

	if err := run(ctx, cfg, srv, monitor); err != nil {
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.ExitCode())
	}
	errorHandler.Shutdown(ctx)
}

// loadAndValidateConfig loads the TOML file over the defaults and exits on invalid settings.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.ExitCode())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(errorHandler.ExitCode())
	}
}

func newBackend(cfg config.BackendConfig) (backend.Backend, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Type) {
	case config.BackendIMAP:
		logger.Info("Using IMAP backend", "addr", cfg.IMAP.Addr, "tls", cfg.IMAP.TLS, "mailbox", cfg.IMAP.Mailbox)
		return imapstore.New(imapstore.Options{
			Addr:               cfg.IMAP.Addr,
			TLS:                cfg.IMAP.TLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			Mailbox:            cfg.IMAP.Mailbox,
			Timeout:            timeout,
		})
	default:
		logger.Info("Using EWS backend", "url", cfg.EWS.URL, "server_version", cfg.EWS.ServerVersion)
		return ews.New(ews.Options{
			URL:                cfg.EWS.URL,
			ServerVersion:      cfg.EWS.ServerVersion,
			PageSize:           cfg.EWS.PageSize,
			Timeout:            timeout,
			InsecureSkipVerify: cfg.EWS.InsecureSkipVerify,
		})
	}
}

// newCircuitBreaker builds the breaker guarding the mailbox service and
// returns the interval at which /health samples it.
func newCircuitBreaker(cfg config.BackendConfig) (*circuitbreaker.CircuitBreaker, time.Duration) {
	bc := cfg.CircuitBreaker
	timeout, interval, _ := bc.Durations() // checked by Validate
	name := strings.ToLower(cfg.Type)

	logger.Info("Backend circuit breaker enabled", "name", name, "failure_threshold", bc.FailureThreshold, "timeout", timeout)
	return circuitbreaker.New(circuitbreaker.Settings{
		Name:             name,
		MaxRequests:      uint32(bc.MaxRequests),
		Interval:         time.Minute,
		Timeout:          timeout,
		FailureThreshold: uint32(bc.FailureThreshold),
		IsSuccessful:     func(err error) bool { return !backend.ServiceFailure(err) },
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Backend circuit breaker changed state", "name", name, "from", from, "to", to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}), interval
}

func newPOP3Server(ctx context.Context, cfg config.Config, be backend.Backend) (*pop3.POP3Server, error) {
	commandTimeout, err := cfg.POP3.GetCommandTimeout()
	if err != nil {
		return nil, err
	}
	backendTimeout, err := cfg.Backend.GetTimeout()
	if err != nil {
		return nil, err
	}

	authRateLimit, err := authRateLimiterConfig(cfg.POP3.AuthRateLimit)
	if err != nil {
		return nil, err
	}

	hostname := cfg.POP3.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	return pop3.New(ctx, cfg.POP3.Name, hostname, cfg.POP3.Addr, be, pop3.POP3ServerOptions{
		TLS:              cfg.POP3.TLS,
		TLSCertFile:      cfg.POP3.TLSCertFile,
		TLSKeyFile:       cfg.POP3.TLSKeyFile,
		MaxConnections:   cfg.POP3.MaxConnections,
		MaxPerIP:         cfg.POP3.MaxConnectionsPerIP,
		TrustedNetworks:  cfg.POP3.TrustedNetworks,
		AuthRateLimit:    authRateLimit,
		CommandTimeout:   commandTimeout,
		BackendTimeout:   backendTimeout,
		BackendName:      strings.ToLower(cfg.Backend.Type),
		Render:           message.Options{ConvertHTML: cfg.Message.ConvertHTML},
		TentativeComment: cfg.Backend.TentativeComment,
	})
}

func authRateLimiterConfig(cfg config.AuthRateLimitConfig) (server.AuthRateLimiterConfig, error) {
	block, initial, maxDelay, window, err := cfg.Durations()
	if err != nil {
		return server.AuthRateLimiterConfig{}, err
	}
	return server.AuthRateLimiterConfig{
		Enabled:             cfg.Enabled,
		FastBlockThreshold:  cfg.FastBlockThreshold,
		FastBlockDuration:   block,
		DelayStartThreshold: cfg.DelayStartThreshold,
		InitialDelay:        initial,
		MaxDelay:            maxDelay,
		DelayMultiplier:     cfg.DelayMultiplier,
		FailureWindow:       window,
	}, nil
}

// run serves POP3 and, when enabled, the HTTP API until ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg config.Config, srv *pop3.POP3Server, monitor *health.HealthMonitor) error {
	g, gctx := errgroup.WithContext(ctx)
	errChan := make(chan error, 2)

	g.Go(func() error {
		srv.Start(errChan)
		return nil
	})

	if cfg.HTTPAPI.Start {
		g.Go(func() error {
			httpapi.Start(gctx, httpapi.ServerOptions{
				Addr:         cfg.HTTPAPI.Addr,
				APIKey:       cfg.HTTPAPI.APIKey,
				AllowedHosts: cfg.HTTPAPI.AllowedHosts,
				MetricsPath:  cfg.HTTPAPI.MetricsPath,
				Stats:        srv,
				Health:       monitor,
				BackendType:  strings.ToLower(cfg.Backend.Type),
				Version:      version,
			}, errChan)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("Shutting down POP3 server", "name", cfg.POP3.Name)
		case err := <-errChan:
			logger.Error("Server failed", "error", err)
			srv.Close()
			return err
		}
		srv.Close()
		return nil
	})

	return g.Wait()
}
