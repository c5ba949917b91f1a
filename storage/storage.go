// Package storage archives voicemail recordings in S3-compatible object
// storage.
//
// Recordings are stored content-addressed under
// "<domain>/<mailbox>/<blake3 hash>", optionally encrypted client-side with
// AES-256-GCM. All calls pass through a circuit breaker so an unreachable
// bucket fails fast instead of stalling the archiver and the HTTP API.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/circuitbreaker"
	"github.com/migadu/vmail/pkg/metrics"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("object not found")

type S3Storage struct {
	client        *minio.Client
	bucket        string
	encryptionKey []byte
	breaker       *circuitbreaker.CircuitBreaker
}

// New connects to the bucket described by cfg.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{
		client: client,
		bucket: cfg.Bucket,
	}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}

	settings := circuitbreaker.DefaultSettings("s3", 5, 30*time.Second)
	// A missing object is an answer, not an outage.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrNotFound)
	}
	s.breaker = circuitbreaker.NewCircuitBreaker(settings)
	return s, nil
}

// EnableEncryption turns on client-side AES-256-GCM with a hex encoded key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	key, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	s.encryptionKey = key
	logger.Info("Storage: client-side encryption enabled")
	return nil
}

// Breaker guards every bucket operation.
func (s *S3Storage) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// RecordingKey is the object key of an archived recording.
func RecordingKey(domain, number, hash string) string {
	return path.Join(strings.ToLower(domain), number, hash)
}

// MailboxPrefix is the key prefix holding every recording of a mailbox.
func MailboxPrefix(domain, number string) string {
	return path.Join(strings.ToLower(domain), number) + "/"
}

func observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = classifyS3Error(err)
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
	}
	return false
}

// Exists reports whether key is stored.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	})
	observe("STAT", start, err)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
}

// Put uploads size bytes of body under key.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	if s.encryptionKey != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}
		if data, err = s.encrypt(data); err != nil {
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		body, size = bytes.NewReader(data), int64(len(data))
	}

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
			ContentType:    "application/octet-stream",
			SendContentMd5: true,
		})
		return err
	})
	observe("PUT", start, err)
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Get opens key. The caller closes the reader.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	obj, err := circuitbreaker.Call(ctx, s.breaker, func(ctx context.Context) (*minio.Object, error) {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		// GetObject is lazy; Stat surfaces a missing key now.
		if _, err := obj.Stat(); err != nil {
			obj.Close()
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return obj, nil
	})
	observe("GET", start, err)
	if err != nil {
		return nil, err
	}

	if s.encryptionKey == nil {
		return obj, nil
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted data: %w", err)
	}
	plain, err := s.decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// Delete removes key. A missing key is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	})
	if isNotFound(err) {
		err = nil
	}
	observe("DELETE", start, err)
	return err
}

// DeletePrefix removes every object under prefix and returns how many were
// removed.
func (s *S3Storage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	start := time.Now()
	removed := 0
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
		for obj := range objects {
			if obj.Err != nil {
				return obj.Err
			}
			if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
				return err
			}
			removed++
		}
		return nil
	})
	observe("DELETE_PREFIX", start, err)
	if err != nil {
		return removed, fmt.Errorf("failed to delete objects under %s: %w", prefix, err)
	}
	return removed, nil
}

func (s *S3Storage) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encrypt seals plaintext behind a random nonce prefix.
func (s *S3Storage) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	errStr := err.Error()
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
