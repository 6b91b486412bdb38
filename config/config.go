package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/popbridge/consts"
	"github.com/migadu/popbridge/helpers"
)

const (
	BackendEWS  = "ews"
	BackendIMAP = "imap"

	DefaultEWSURL           = "https://outlook.office365.com/EWS/Exchange.asmx"
	DefaultEWSServerVersion = "Exchange2013_SP1"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// POP3ServerConfig holds the client facing listener configuration.
type POP3ServerConfig struct {
	Name           string `toml:"name"`
	Addr           string `toml:"addr"`
	Hostname       string `toml:"hostname"`
	MaxConnections int    `toml:"max_connections"` // 0 means unlimited
	TLS            bool   `toml:"tls"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	CommandTimeout string `toml:"command_timeout"` // Maximum idle time before disconnection (default: 10m)

	MaxConnectionsPerIP int                 `toml:"max_connections_per_ip"` // 0 means unlimited
	TrustedNetworks     []string            `toml:"trusted_networks"`       // Exempt from max_connections_per_ip
	AuthRateLimit       AuthRateLimitConfig `toml:"auth_rate_limit"`
}

// AuthRateLimitConfig throttles clients that repeatedly fail to log in.
type AuthRateLimitConfig struct {
	Enabled             bool    `toml:"enabled"`
	FastBlockThreshold  int     `toml:"fast_block_threshold"`  // Failed attempts before the IP is blocked
	FastBlockDuration   string  `toml:"fast_block_duration"`   // How long the block lasts
	DelayStartThreshold int     `toml:"delay_start_threshold"` // Failed attempts before delays start
	InitialDelay        string  `toml:"initial_delay"`
	MaxDelay            string  `toml:"max_delay"`
	DelayMultiplier     float64 `toml:"delay_multiplier"`
	FailureWindow       string  `toml:"failure_window"` // Failures older than this are forgotten
}

// Durations parses the block duration, initial delay, max delay and failure window.
func (c *AuthRateLimitConfig) Durations() (block, initial, max, window time.Duration, err error) {
	parse := func(name, value string) time.Duration {
		if err != nil || value == "" {
			return 0
		}
		d, perr := helpers.ParseDuration(value)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %w", name, perr)
		}
		return d
	}
	block = parse("fast_block_duration", c.FastBlockDuration)
	initial = parse("initial_delay", c.InitialDelay)
	max = parse("max_delay", c.MaxDelay)
	window = parse("failure_window", c.FailureWindow)
	return block, initial, max, window, err
}

// GetCommandTimeout parses the command timeout duration for POP3
func (c *POP3ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 10 * time.Minute, nil // RFC 1939 autologout timer is at least 10 minutes
	}
	return helpers.ParseDuration(c.CommandTimeout)
}

// EWSConfig configures the Exchange Web Services backend.
type EWSConfig struct {
	URL                string `toml:"url"`
	ServerVersion      string `toml:"server_version"`
	PageSize           int    `toml:"page_size"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// IMAPConfig configures the IMAP backend.
type IMAPConfig struct {
	Addr               string `toml:"addr"`
	TLS                bool   `toml:"tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Mailbox            string `toml:"mailbox"`
}

// CircuitBreakerConfig stops calling the mailbox service after repeated failures.
type CircuitBreakerConfig struct {
	Enabled          bool   `toml:"enabled"`
	FailureThreshold int    `toml:"failure_threshold"` // Consecutive failures that open the breaker
	Timeout          string `toml:"timeout"`           // How long the breaker stays open
	MaxRequests      int    `toml:"max_requests"`      // Trial calls allowed while half-open
	HealthInterval   string `toml:"health_interval"`   // How often /health samples the breaker
}

// Durations parses the open timeout and health sampling interval.
func (c *CircuitBreakerConfig) Durations() (timeout, interval time.Duration, err error) {
	if c.Timeout != "" {
		if timeout, err = helpers.ParseDuration(c.Timeout); err != nil {
			return 0, 0, fmt.Errorf("invalid timeout: %w", err)
		}
	}
	if c.HealthInterval != "" {
		if interval, err = helpers.ParseDuration(c.HealthInterval); err != nil {
			return 0, 0, fmt.Errorf("invalid health_interval: %w", err)
		}
	}
	return timeout, interval, nil
}

// BackendConfig selects and configures the remote mailbox service.
type BackendConfig struct {
	Type             string               `toml:"type"`    // "ews" or "imap"
	Timeout          string               `toml:"timeout"` // Per request timeout (default: 60s)
	TentativeComment string               `toml:"tentative_comment"`
	CircuitBreaker   CircuitBreakerConfig `toml:"circuit_breaker"`
	EWS              EWSConfig            `toml:"ews"`
	IMAP             IMAPConfig           `toml:"imap"`
}

// GetTimeout parses the backend request timeout.
func (c *BackendConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// MessageConfig controls how remote messages are turned into RFC 5322 text.
type MessageConfig struct {
	ConvertHTML bool `toml:"convert_html"` // Render HTML-only bodies as plain text
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	MetricsPath  string   `toml:"metrics_path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig    `toml:"logging"`
	POP3    POP3ServerConfig `toml:"pop3"`
	Backend BackendConfig    `toml:"backend"`
	Message MessageConfig    `toml:"message"`
	HTTPAPI HTTPAPIConfig    `toml:"http_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		POP3: POP3ServerConfig{
			Name:           "pop3",
			Addr:           ":995",
			MaxConnections: 500,
			TLS:            true,
			TLSCertFile:    "/etc/popbridge/server.crt",
			TLSKeyFile:     "/etc/popbridge/server.key",
			CommandTimeout: "10m",
			AuthRateLimit: AuthRateLimitConfig{
				Enabled:             false,
				FastBlockThreshold:  10,
				FastBlockDuration:   "5m",
				DelayStartThreshold: 2,
				InitialDelay:        "2s",
				MaxDelay:            "30s",
				DelayMultiplier:     2.0,
				FailureWindow:       "15m",
			},
		},
		Backend: BackendConfig{
			Type:             BackendEWS,
			Timeout:          "60s",
			TentativeComment: consts.TentativeAcceptComment,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          "30s",
				MaxRequests:      1,
				HealthInterval:   "10s",
			},
			EWS: EWSConfig{
				URL:           DefaultEWSURL,
				ServerVersion: DefaultEWSServerVersion,
				PageSize:      200,
			},
			IMAP: IMAPConfig{
				TLS:     true,
				Mailbox: consts.DefaultMailbox,
			},
		},
		Message: MessageConfig{
			ConvertHTML: true,
		},
		HTTPAPI: HTTPAPIConfig{
			Start:       false,
			Addr:        "127.0.0.1:8080",
			MetricsPath: "/metrics",
		},
	}
}

// Validate checks the configuration for values the servers cannot start with.
func (c *Config) Validate() error {
	if c.POP3.Addr == "" {
		return fmt.Errorf("pop3.addr must be set")
	}
	if c.POP3.MaxConnections < 0 {
		return fmt.Errorf("pop3.max_connections must not be negative")
	}
	if c.POP3.TLS && (c.POP3.TLSCertFile == "" || c.POP3.TLSKeyFile == "") {
		return fmt.Errorf("pop3.tls requires tls_cert_file and tls_key_file")
	}
	if c.POP3.MaxConnectionsPerIP < 0 {
		return fmt.Errorf("pop3.max_connections_per_ip must not be negative")
	}
	if _, _, _, _, err := c.POP3.AuthRateLimit.Durations(); err != nil {
		return fmt.Errorf("pop3.auth_rate_limit: %w", err)
	}
	if _, err := c.POP3.GetCommandTimeout(); err != nil {
		return fmt.Errorf("invalid pop3.command_timeout: %w", err)
	}
	if _, err := c.Backend.GetTimeout(); err != nil {
		return fmt.Errorf("invalid backend.timeout: %w", err)
	}
	if _, _, err := c.Backend.CircuitBreaker.Durations(); err != nil {
		return fmt.Errorf("backend.circuit_breaker: %w", err)
	}
	if c.Backend.CircuitBreaker.FailureThreshold < 0 || c.Backend.CircuitBreaker.MaxRequests < 0 {
		return fmt.Errorf("backend.circuit_breaker: failure_threshold and max_requests must not be negative")
	}

	switch strings.ToLower(c.Backend.Type) {
	case BackendEWS:
		u, err := url.Parse(c.Backend.EWS.URL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("backend.ews.url must be an absolute http(s) URL, got %q", c.Backend.EWS.URL)
		}
		if c.Backend.EWS.PageSize < 0 {
			return fmt.Errorf("backend.ews.page_size must not be negative")
		}
	case BackendIMAP:
		if c.Backend.IMAP.Addr == "" {
			return fmt.Errorf("backend.imap.addr must be set")
		}
	default:
		return fmt.Errorf("unknown backend.type %q (expected %q or %q)", c.Backend.Type, BackendEWS, BackendIMAP)
	}

	if c.HTTPAPI.Start && c.HTTPAPI.Addr == "" {
		return fmt.Errorf("http_api.addr must be set when http_api.start is enabled")
	}
	if c.HTTPAPI.MetricsPath != "" && !strings.HasPrefix(c.HTTPAPI.MetricsPath, "/") {
		return fmt.Errorf("http_api.metrics_path must start with '/'")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file on top of the values already in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return fmt.Errorf("failed to parse configuration: %w", err)
}
