package server

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/migadu/popbridge/logger"
)

// AuthRateLimiterConfig holds authentication rate limiting configuration.
type AuthRateLimiterConfig struct {
	Enabled             bool
	FastBlockThreshold  int           // Failed attempts before the IP is blocked
	FastBlockDuration   time.Duration // How long a blocked IP stays blocked
	DelayStartThreshold int           // Failed attempts before progressive delays start
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	DelayMultiplier     float64
	FailureWindow       time.Duration // Failures older than this are forgotten
	CleanupInterval     time.Duration // How often forgotten IPs are swept from memory
}

// DefaultAuthRateLimiterConfig returns sensible defaults
func DefaultAuthRateLimiterConfig() AuthRateLimiterConfig {
	return AuthRateLimiterConfig{
		Enabled:             false,
		FastBlockThreshold:  10,
		FastBlockDuration:   5 * time.Minute,
		DelayStartThreshold: 2,
		InitialDelay:        2 * time.Second,
		MaxDelay:            30 * time.Second,
		DelayMultiplier:     2.0,
		FailureWindow:       15 * time.Minute,
		CleanupInterval:     time.Minute,
	}
}

// ipFailureInfo tracks failures of one client IP.
type ipFailureInfo struct {
	FailureCount int
	FirstFailure time.Time
	LastFailure  time.Time
	BlockedUntil time.Time
}

// AuthRateLimiter blocks and slows down clients that keep failing to log in.
// Its state lives in memory only.
type AuthRateLimiter struct {
	config   AuthRateLimiterConfig
	protocol string
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]*ipFailureInfo
}

// NewAuthRateLimiter returns nil when the config is disabled; a nil limiter allows everything.
func NewAuthRateLimiter(protocol string, config AuthRateLimiterConfig) *AuthRateLimiter {
	if !config.Enabled {
		return nil
	}
	if config.DelayMultiplier < 1 {
		config.DelayMultiplier = 1
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = DefaultAuthRateLimiterConfig().FailureWindow
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultAuthRateLimiterConfig().CleanupInterval
	}

	logger.Info("Auth rate limiter initialized", "protocol", protocol,
		"fast_block", config.FastBlockThreshold, "block_duration", config.FastBlockDuration,
		"delay_after", config.DelayStartThreshold, "max_delay", config.MaxDelay)

	return &AuthRateLimiter{
		config:   config,
		protocol: protocol,
		now:      time.Now,
		failures: make(map[string]*ipFailureInfo),
	}
}

// CanAttemptAuth returns an error while ip is blocked.
func (a *AuthRateLimiter) CanAttemptAuth(ip string) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	info, ok := a.failures[ip]
	if !ok {
		return nil
	}
	now := a.now()
	if now.Before(info.BlockedUntil) {
		return fmt.Errorf("IP %s is temporarily blocked until %s (failed %d times)",
			ip, info.BlockedUntil.Format("15:04:05"), info.FailureCount)
	}
	if a.expired(info, now) {
		delete(a.failures, ip)
	}
	return nil
}

func (a *AuthRateLimiter) expired(info *ipFailureInfo, now time.Time) bool {
	return now.Sub(info.LastFailure) > a.config.FailureWindow && !now.Before(info.BlockedUntil)
}

// StartCleanup sweeps expired IPs every CleanupInterval until ctx is done.
func (a *AuthRateLimiter) StartCleanup(ctx context.Context) {
	if a == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(a.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.cleanup()
			}
		}
	}()
}

func (a *AuthRateLimiter) cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cleaned := 0
	for ip, info := range a.failures {
		if a.expired(info, now) {
			delete(a.failures, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("Auth rate limiter: cleaned up expired IP entries", "protocol", a.protocol, "count", cleaned, "remaining", len(a.failures))
	}
}

// RecordAuthAttempt records the outcome of a login from ip. Success forgets the IP.
func (a *AuthRateLimiter) RecordAuthAttempt(ip string, success bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		delete(a.failures, ip)
		return
	}

	now := a.now()
	info, ok := a.failures[ip]
	if !ok || a.expired(info, now) {
		info = &ipFailureInfo{FirstFailure: now}
		a.failures[ip] = info
	}
	info.FailureCount++
	info.LastFailure = now

	if a.config.FastBlockThreshold > 0 && info.FailureCount >= a.config.FastBlockThreshold {
		info.BlockedUntil = now.Add(a.config.FastBlockDuration)
		logger.Warn("Auth rate limiter: blocking IP", "protocol", a.protocol, "ip", ip,
			"failures", info.FailureCount, "until", info.BlockedUntil)
	}
}

// GetAuthenticationDelay returns the delay owed before answering ip's next login.
func (a *AuthRateLimiter) GetAuthenticationDelay(ip string) time.Duration {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	info, ok := a.failures[ip]
	if !ok || info.FailureCount < a.config.DelayStartThreshold || a.config.InitialDelay <= 0 {
		return 0
	}
	steps := info.FailureCount - a.config.DelayStartThreshold
	delay := float64(a.config.InitialDelay) * math.Pow(a.config.DelayMultiplier, float64(steps))
	if a.config.MaxDelay > 0 && delay > float64(a.config.MaxDelay) {
		return a.config.MaxDelay
	}
	return time.Duration(delay)
}

// ApplyAuthenticationDelay sleeps for ip's progressive delay unless ctx ends first.
func ApplyAuthenticationDelay(ctx context.Context, limiter *AuthRateLimiter, ip string) {
	delay := limiter.GetAuthenticationDelay(ip)
	if delay <= 0 {
		return
	}
	logger.Debug("Auth rate limiter: applying delay", "protocol", limiter.protocol, "ip", ip, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
