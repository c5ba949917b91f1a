// Package archiver copies saved voicemail recordings from Asterisk into
// S3 and the local cache.
//
// Messages are picked up from the database once saved. Each recording is
// downloaded over ARI, addressed by its BLAKE3 hash and uploaded under
// "<domain>/<mailbox>/<hash>"; the message row then records the hash.
package archiver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/cache"
	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/db"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/circuitbreaker"
	"github.com/migadu/vmail/pkg/metrics"
	"github.com/migadu/vmail/pkg/retry"
	"github.com/migadu/vmail/storage"
)

// ArchiverDB is the message queue the worker drains.
type ArchiverDB interface {
	ListUnarchivedMessages(ctx context.Context, limit, maxAttempts int) ([]db.ArchiveCandidate, error)
	MarkArchived(ctx context.Context, id int64, hash string) error
	RecordArchiveFailure(ctx context.Context, id int64) error
}

// ArchiverS3 is the object store recordings are copied to.
type ArchiverS3 interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// ArchiverCache keeps a local copy for the HTTP API.
type ArchiverCache interface {
	Put(contentHash string, data []byte) error
}

// RecordingSource downloads recordings from Asterisk.
type RecordingSource interface {
	GetStoredRecordingFile(ctx context.Context, name string) ([]byte, error)
}

type Worker struct {
	rdb         ArchiverDB
	s3          ArchiverS3
	cache       ArchiverCache
	recordings  RecordingSource
	batchSize   int
	concurrency int
	maxAttempts int
	interval    time.Duration
	putBackoff  retry.BackoffConfig
	notifyCh    chan struct{}
	stopCh      chan struct{}
	errCh       chan<- error
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// New builds a worker. cache may be nil.
func New(cfg config.ArchiverConfig, rdb ArchiverDB, s3 ArchiverS3, c ArchiverCache, recordings RecordingSource, errCh chan<- error) (*Worker, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid archiver.interval: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		rdb:         rdb,
		s3:          s3,
		cache:       c,
		recordings:  recordings,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		interval:    interval,
		putBackoff: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      3,
		},
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		errCh:    errCh,
	}, nil
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	logger.Info("Archiver: worker started", "interval", w.interval, "concurrency", w.concurrency)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Archiver: worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.notifyCh:
			w.drain(ctx)
		}
	}
}

// Stop waits for the current batch. Calling it twice is harmless.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("Archiver: worker stopped")
}

// NotifyMessageSaved wakes the worker without waiting for the next tick.
func (w *Worker) NotifyMessageSaved() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		more, err := w.ProcessBatch(ctx)
		if err != nil {
			w.reportError(err)
			return
		}
		if !more {
			return
		}
	}
}

// ProcessBatch archives one batch. It reports whether another batch should
// follow right away, which is only the case when the batch was full and
// every recording in it was archived.
func (w *Worker) ProcessBatch(ctx context.Context) (bool, error) {
	candidates, err := w.rdb.ListUnarchivedMessages(ctx, w.batchSize, w.maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to list unarchived messages: %w", err)
	}
	if len(candidates) == 0 {
		return false, nil
	}
	metrics.ArchiverBatchesTotal.Inc()

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	archived := 0

	for _, c := range candidates {
		select {
		case <-ctx.Done():
			wg.Wait()
			return false, nil
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(c db.ArchiveCandidate) {
			defer wg.Done()
			defer func() { <-sem }()
			if w.archive(ctx, c) {
				mu.Lock()
				archived++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	return len(candidates) == w.batchSize && archived == len(candidates), nil
}

func (w *Worker) archive(ctx context.Context, c db.ArchiveCandidate) bool {
	msg := c.Message
	log := logger.With("message_id", msg.ID, "recording", msg.Recording, "attempt", c.Attempts+1)

	data, err := w.recordings.GetStoredRecordingFile(ctx, msg.Recording)
	if err != nil {
		w.fail(ctx, log, msg.ID, "download", err)
		return false
	}

	sum := blake3.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := storage.RecordingKey(c.Domain, c.Number, hash)

	exists, err := w.s3.Exists(ctx, key)
	if err != nil {
		w.fail(ctx, log, msg.ID, "stat", err)
		return false
	}
	if !exists {
		err = retry.WithRetry(ctx, func() error {
			err := w.s3.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
			if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
				return retry.Stop(err)
			}
			return err
		}, w.putBackoff)
		if err != nil {
			w.fail(ctx, log, msg.ID, "upload", err)
			return false
		}
	}

	if w.cache != nil {
		if err := w.cache.Put(hash, data); err != nil && !errors.Is(err, cache.ErrTooLarge) {
			log.Warn("Archiver: failed to cache recording", "hash", hash, "error", err)
		}
	}

	if err := w.rdb.MarkArchived(ctx, msg.ID, hash); err != nil {
		// The object is in place; the next pass finds it by key and only
		// retries the update.
		log.Error("Archiver: failed to mark message archived", "hash", hash, "error", err)
		metrics.ArchiverRecordingsTotal.WithLabelValues("failure").Inc()
		return false
	}

	metrics.ArchiverRecordingsTotal.WithLabelValues("success").Inc()
	log.Info("Archiver: recording archived", "key", key, "size", len(data), "deduplicated", exists)
	return true
}

// fail counts an attempt against the message unless the failure is an
// outage that will clear by itself.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, id int64, stage string, err error) {
	metrics.ArchiverRecordingsTotal.WithLabelValues("failure").Inc()
	if isTransient(err) {
		log.Warn("Archiver: transient failure, not counting attempt", "stage", stage, "error", err)
		return
	}
	if ari.IsNotFound(err) {
		log.Warn("Archiver: recording is gone from Asterisk", "stage", stage)
	} else {
		log.Error("Archiver: archive failed", "stage", stage, "error", err)
	}
	if err := w.rdb.RecordArchiveFailure(context.WithoutCancel(ctx), id); err != nil {
		log.Error("Archiver: failed to record archive attempt", "error", err)
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused", "connection reset", "i/o timeout", "no such host",
		"service unavailable", "bad gateway", "gateway timeout", "slowdown",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func (w *Worker) reportError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
			return
		default:
		}
	}
	logger.Error("Archiver: worker error", "error", err)
}
