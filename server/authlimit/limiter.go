// Package authlimit blocks mailboxes whose password is guessed wrong too
// often, across calls. A caller can hang up after each failed attempt, so
// the per-call attempt limit alone does not stop guessing.
package authlimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/metrics"
)

// ErrBlocked is returned by CanAttempt while a key is blocked.
var ErrBlocked = errors.New("too many failed attempts")

type Config struct {
	MaxFailures     int
	Window          time.Duration
	BlockDuration   time.Duration
	CleanupInterval time.Duration
}

// blockedInfo tracks a key that is temporarily refused
type blockedInfo struct {
	until        time.Time
	failureCount int
}

// failureInfo tracks recent failures of a key
type failureInfo struct {
	count        int
	firstFailure time.Time
	lastFailure  time.Time
}

// Limiter counts failed attempts per key in memory. Blocks do not survive
// a restart.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	blocked  map[string]*blockedInfo
	failures map[string]*failureInfo

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its cleanup routine.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:      cfg,
		now:      time.Now,
		blocked:  make(map[string]*blockedInfo),
		failures: make(map[string]*failureInfo),
		stop:     make(chan struct{}),
	}
	go l.cleanupRoutine()

	logger.Info("Auth limiter initialized", "max_failures", cfg.MaxFailures, "window", cfg.Window, "block_duration", cfg.BlockDuration)
	return l
}

// CanAttempt returns ErrBlocked while key is blocked.
func (l *Limiter) CanAttempt(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.blocked[key]
	if !ok {
		return nil
	}
	if l.now().Before(b.until) {
		return fmt.Errorf("%w: %s blocked until %s after %d failures", ErrBlocked, key, b.until.Format("15:04:05"), b.failureCount)
	}
	delete(l.blocked, key)
	return nil
}

// Record notes the outcome of an attempt. Success clears the history of key.
func (l *Limiter) Record(key string, success bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		delete(l.failures, key)
		delete(l.blocked, key)
		return
	}

	info, ok := l.failures[key]
	if !ok || now.Sub(info.lastFailure) > l.cfg.Window {
		info = &failureInfo{firstFailure: now}
		l.failures[key] = info
	}
	info.count++
	info.lastFailure = now

	if l.cfg.MaxFailures > 0 && info.count >= l.cfg.MaxFailures {
		until := now.Add(l.cfg.BlockDuration)
		l.blocked[key] = &blockedInfo{until: until, failureCount: info.count}
		delete(l.failures, key)
		metrics.AuthBlocksTotal.Inc()
		logger.Warn("Auth limiter: blocked", "key", key, "failures", info.count, "since", info.firstFailure, "until", until)
	}
}

// Stop ends the cleanup routine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanupRoutine() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanupExpiredEntries()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanupExpiredEntries() {
	now := l.now()

	l.mu.Lock()
	expiredBlocks := 0
	for key, b := range l.blocked {
		if !now.Before(b.until) {
			delete(l.blocked, key)
			expiredBlocks++
		}
	}
	expiredFailures := 0
	cutoff := now.Add(-l.cfg.Window)
	for key, info := range l.failures {
		if info.lastFailure.Before(cutoff) {
			delete(l.failures, key)
			expiredFailures++
		}
	}
	l.mu.Unlock()

	if expiredBlocks > 0 || expiredFailures > 0 {
		logger.Debug("Auth limiter: cleaned up", "blocks", expiredBlocks, "failures", expiredFailures)
	}
}
