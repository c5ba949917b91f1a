package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/vmail/pkg/circuitbreaker"
)

func TestCriticalFailureMakesOverallUnhealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "database", Critical: true, Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	hm.RegisterCheck(&HealthCheck{Name: "s3", Check: func(context.Context) error { return nil }})

	hm.CheckNow(context.Background())

	status, components := hm.Report()
	assert.Equal(t, StatusUnhealthy, status)
	assert.Equal(t, StatusUnhealthy, components["database"].Status)
	assert.Equal(t, "connection refused", components["database"].Error)
	assert.Equal(t, StatusHealthy, components["s3"].Status)
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "database", Critical: true, Check: func(context.Context) error { return nil }})
	hm.RegisterCheck(&HealthCheck{Name: "smtp", Check: func(context.Context) error { return errors.New("timeout") }})

	hm.CheckNow(context.Background())
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestSingleFailureAfterSuccessesIsDegraded(t *testing.T) {
	var fail atomic.Bool
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "ari", Critical: true, Check: func(context.Context) error {
		if fail.Load() {
			return errors.New("websocket closed")
		}
		return nil
	}})

	ctx := context.Background()
	hm.CheckNow(ctx)
	hm.CheckNow(ctx)
	fail.Store(true)
	hm.CheckNow(ctx)

	_, components := hm.Report()
	assert.Equal(t, StatusDegraded, components["ari"].Status)

	hm.CheckNow(ctx)
	_, components = hm.Report()
	assert.Equal(t, StatusUnhealthy, components["ari"].Status)
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	fail.Store(false)
	hm.CheckNow(ctx)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
}

func TestPanickingCheckIsUnhealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "broken", Critical: true, Check: func(context.Context) error {
		panic("nil map")
	}})

	hm.CheckNow(context.Background())
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())
}

func TestStartRunsChecksUntilStop(t *testing.T) {
	var runs atomic.Int32
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "database", Interval: 5 * time.Millisecond, Check: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	hm.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	hm.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestBreakerCheck(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("smtp", 1, time.Hour))
	check := BreakerCheck(cb)
	require.NoError(t, check(context.Background()))

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("refused") })
	assert.ErrorContains(t, check(context.Background()), "open")
}
