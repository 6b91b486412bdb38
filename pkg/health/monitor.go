// Package health tracks the status of the services the gateway depends on.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/popbridge/logger"
	"github.com/migadu/popbridge/pkg/circuitbreaker"
	"github.com/migadu/popbridge/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

// ErrDegraded marks a check failure that leaves the component usable.
var ErrDegraded = errors.New("degraded")

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // Failure affects overall status

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

type HealthMonitor struct {
	mu            sync.RWMutex
	checks        map[string]*HealthCheck
	overallStatus ComponentStatus
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval <= 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout <= 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every registered check once and then on its interval until ctx
// is cancelled or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.mu.Lock()
	hm.ctx, hm.cancel = context.WithCancel(ctx)
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.Unlock()

	for _, check := range checks {
		go hm.runHealthCheck(check)
	}
}

func (hm *HealthMonitor) Stop() {
	hm.mu.RLock()
	cancel := hm.cancel
	hm.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health: monitoring started", "check", check.Name, "interval", check.Interval)
	hm.performCheck(check)
	for {
		select {
		case <-hm.ctx.Done():
			logger.Debug("Health: monitoring stopped", "check", check.Name)
			return
		case <-ticker.C:
			hm.performCheck(check)
		}
	}
}

func (hm *HealthMonitor) performCheck(check *HealthCheck) {
	ctx, cancel := context.WithTimeout(hm.ctx, check.Timeout)
	defer cancel()

	err := runCheck(ctx, check)

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	first := check.checkCount == 1
	switch {
	case err == nil:
		check.lastError = nil
		check.status = StatusHealthy
	case errors.Is(err, ErrDegraded):
		check.failCount++
		check.lastError = err
		check.status = StatusDegraded
	default:
		check.failCount++
		check.lastError = err
		check.status = StatusUnhealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))

	if previous != current {
		logger.Warn("Health: check status changed", "check", check.Name, "from", previous, "to", current, "error", err)
	} else if first {
		logger.Info("Health: check initialized", "check", check.Name, "status", current)
	}

	hm.updateOverallStatus()
}

// runCheck converts a panicking check into an error.
func runCheck(ctx context.Context, check *HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("Health: check panicked", "check", check.Name, "error", err)
		}
	}()
	return check.Check(ctx)
}

func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status, critical := check.status, check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalUnhealthy = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	previous := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}
	if previous != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previous, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, ok := hm.checks[name]
	hm.mu.RUnlock()
	if !ok {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.status, true
}

func (hm *HealthMonitor) GetAllStatuses() map[string]ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	statuses := make(map[string]ComponentStatus, len(hm.checks))
	for name, check := range hm.checks {
		check.mu.RLock()
		statuses[name] = check.status
		check.mu.RUnlock()
	}
	return statuses
}

// BreakerCheck reports the backend as unhealthy while its circuit breaker
// is open and degraded while it is half-open or failing often.
func BreakerCheck(cb *circuitbreaker.CircuitBreaker, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     cb.Name(),
		Interval: interval,
		Critical: true,
		Check: func(ctx context.Context) error {
			switch cb.State() {
			case circuitbreaker.StateOpen:
				return circuitbreaker.ErrOpen
			case circuitbreaker.StateHalfOpen:
				return fmt.Errorf("%w: circuit breaker is half-open", ErrDegraded)
			}
			counts := cb.Counts()
			if counts.Requests > 0 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.2 {
				return fmt.Errorf("%w: %d of %d requests failed", ErrDegraded, counts.TotalFailures, counts.Requests)
			}
			return nil
		},
	}
}
