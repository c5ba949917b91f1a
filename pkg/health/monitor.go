// Package health periodically checks the services vmail depends on and
// reports a combined status for the HTTP API.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/circuitbreaker"
	"github.com/migadu/vmail/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the overall status unhealthy

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// ComponentReport is the last result of one check.
type ComponentReport struct {
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type HealthMonitor struct {
	mu            sync.RWMutex
	checks        map[string]*HealthCheck
	overallStatus ComponentStatus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check once and then on its interval until Stop.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	defer hm.wg.Done()
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	hm.performCheck(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

// CheckNow runs every check synchronously.
func (hm *HealthMonitor) CheckNow(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	for _, c := range checks {
		hm.performCheck(ctx, c)
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: check panicked", "component", check.Name, "error", err)
			check.mu.Lock()
			check.status = StatusUnhealthy
			check.lastError = err
			check.mu.Unlock()
			hm.updateOverallStatus()
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(cctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		// Shutting down; the result says nothing about the component.
		return
	}

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	if err != nil {
		check.failCount++
		check.lastError = err
		// A lone failure degrades; a component failing half its checks is down.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))
	if previous != current {
		logger.Info("Health: component status changed", "component", check.Name, "from", previous, "to", current, "error", err)
	}
	hm.updateOverallStatus()
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

	overall := StatusHealthy
	for _, check := range hm.checks {
		check.mu.RLock()
		status, critical := check.status, check.Critical
		check.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			overall = StatusUnhealthy
		case status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	if overall != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", hm.overallStatus, "to", overall)
		hm.overallStatus = overall
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Report returns the overall status and the last result of every check.
func (hm *HealthMonitor) Report() (ComponentStatus, map[string]ComponentReport) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	out := make(map[string]ComponentReport, len(hm.checks))
	for name, check := range hm.checks {
		check.mu.RLock()
		r := ComponentReport{Status: check.status, Critical: check.Critical, LastCheck: check.lastCheck}
		if check.lastError != nil {
			r.Error = check.lastError.Error()
		}
		check.mu.RUnlock()
		out[name] = r
	}
	return hm.overallStatus, out
}

// BreakerCheck reports an open breaker as a failure without touching the
// service behind it.
func BreakerCheck(breaker *circuitbreaker.CircuitBreaker) func(context.Context) error {
	return func(context.Context) error {
		switch breaker.State() {
		case circuitbreaker.StateOpen:
			return fmt.Errorf("circuit breaker %s is open", breaker.Name())
		case circuitbreaker.StateHalfOpen:
			return fmt.Errorf("circuit breaker %s is half-open", breaker.Name())
		}
		return nil
	}
}
