package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, mutate func(*AuthRateLimiterConfig)) (*AuthRateLimiter, *time.Time) {
	t.Helper()
	cfg := DefaultAuthRateLimiterConfig()
	cfg.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	limiter := NewAuthRateLimiter("pop3", cfg)
	require.NotNil(t, limiter)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func (a *AuthRateLimiter) tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

func TestAuthRateLimiterDisabled(t *testing.T) {
	limiter := NewAuthRateLimiter("pop3", DefaultAuthRateLimiterConfig())
	assert.Nil(t, limiter)

	limiter.RecordAuthAttempt("192.0.2.1", false)
	assert.NoError(t, limiter.CanAttemptAuth("192.0.2.1"))
	assert.Zero(t, limiter.GetAuthenticationDelay("192.0.2.1"))
	ApplyAuthenticationDelay(context.Background(), limiter, "192.0.2.1")
	limiter.StartCleanup(context.Background())
}

func TestAuthRateLimiterBlocksAfterThreshold(t *testing.T) {
	limiter, now := newTestLimiter(t, func(c *AuthRateLimiterConfig) {
		c.FastBlockThreshold = 3
		c.FastBlockDuration = time.Minute
	})

	for i := 0; i < 2; i++ {
		limiter.RecordAuthAttempt("192.0.2.1", false)
	}
	assert.NoError(t, limiter.CanAttemptAuth("192.0.2.1"))

	limiter.RecordAuthAttempt("192.0.2.1", false)
	assert.ErrorContains(t, limiter.CanAttemptAuth("192.0.2.1"), "temporarily blocked")
	assert.NoError(t, limiter.CanAttemptAuth("192.0.2.2"))

	*now = now.Add(2 * time.Minute)
	assert.NoError(t, limiter.CanAttemptAuth("192.0.2.1"))
}

func TestAuthRateLimiterProgressiveDelay(t *testing.T) {
	limiter, _ := newTestLimiter(t, func(c *AuthRateLimiterConfig) {
		c.DelayStartThreshold = 2
		c.InitialDelay = time.Second
		c.MaxDelay = 5 * time.Second
		c.DelayMultiplier = 2
		c.FastBlockThreshold = 0
	})
	ip := "192.0.2.1"

	limiter.RecordAuthAttempt(ip, false)
	assert.Zero(t, limiter.GetAuthenticationDelay(ip))

	limiter.RecordAuthAttempt(ip, false)
	assert.Equal(t, time.Second, limiter.GetAuthenticationDelay(ip))

	limiter.RecordAuthAttempt(ip, false)
	assert.Equal(t, 2*time.Second, limiter.GetAuthenticationDelay(ip))

	limiter.RecordAuthAttempt(ip, false)
	assert.Equal(t, 4*time.Second, limiter.GetAuthenticationDelay(ip))

	limiter.RecordAuthAttempt(ip, false)
	assert.Equal(t, 5*time.Second, limiter.GetAuthenticationDelay(ip), "capped at max delay")

	limiter.RecordAuthAttempt(ip, true)
	assert.Zero(t, limiter.GetAuthenticationDelay(ip), "success resets the IP")
}

func TestAuthRateLimiterFailureWindow(t *testing.T) {
	limiter, now := newTestLimiter(t, func(c *AuthRateLimiterConfig) {
		c.FastBlockThreshold = 2
		c.FailureWindow = time.Minute
	})
	ip := "192.0.2.1"

	limiter.RecordAuthAttempt(ip, false)
	*now = now.Add(2 * time.Minute)
	limiter.RecordAuthAttempt(ip, false)
	assert.NoError(t, limiter.CanAttemptAuth(ip), "old failure expired before the second one")
}

func TestApplyAuthenticationDelayHonoursContext(t *testing.T) {
	limiter, _ := newTestLimiter(t, func(c *AuthRateLimiterConfig) {
		c.DelayStartThreshold = 1
		c.InitialDelay = time.Hour
		c.MaxDelay = time.Hour
	})
	limiter.RecordAuthAttempt("192.0.2.1", false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	ApplyAuthenticationDelay(ctx, limiter, "192.0.2.1")
	assert.Less(t, time.Since(start), time.Second)
}

func TestAuthRateLimiterCleanupSweepsExpiredIPs(t *testing.T) {
	limiter, now := newTestLimiter(t, func(c *AuthRateLimiterConfig) {
		c.FastBlockThreshold = 3
		c.FastBlockDuration = 10 * time.Minute
		c.FailureWindow = time.Minute
	})

	for i := 0; i < 100; i++ {
		limiter.RecordAuthAttempt(fmt.Sprintf("198.51.100.%d", i), false)
	}
	for i := 0; i < 3; i++ {
		limiter.RecordAuthAttempt("192.0.2.1", false)
	}
	require.Equal(t, 101, limiter.tracked())

	*now = now.Add(2 * time.Minute)
	limiter.cleanup()
	assert.Equal(t, 1, limiter.tracked(), "the blocked IP is kept until its block ends")
	assert.Error(t, limiter.CanAttemptAuth("192.0.2.1"))

	*now = now.Add(10 * time.Minute)
	limiter.cleanup()
	assert.Equal(t, 0, limiter.tracked())
}

func TestAuthRateLimiterStartCleanup(t *testing.T) {
	cfg := DefaultAuthRateLimiterConfig()
	cfg.Enabled = true
	cfg.FailureWindow = time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	limiter := NewAuthRateLimiter("pop3", cfg)

	limiter.RecordAuthAttempt("192.0.2.1", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartCleanup(ctx)

	require.Eventually(t, func() bool { return limiter.tracked() == 0 }, 2*time.Second, 5*time.Millisecond)
}
