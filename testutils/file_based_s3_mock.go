package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/migadu/vmail/storage"
)

// FileBasedS3Mock stands in for storage.S3Storage, keeping each object as a
// file under a base directory. It satisfies the archiver and HTTP API
// object store interfaces.
type FileBasedS3Mock struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error // key -> simulated failure
	puts    int
}

// NewFileBasedS3Mock creates the mock rooted at baseDir, usually t.TempDir().
func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBasedS3Mock{
		baseDir: baseDir,
		errors:  make(map[string]error),
	}, nil
}

func (m *FileBasedS3Mock) simulated(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

// Put stores size bytes of body under key.
func (m *FileBasedS3Mock) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.simulated(key); err != nil {
		return err
	}

	filePath := m.keyToFilePath(key)
	m.mu.Lock()
	err := os.MkdirAll(filepath.Dir(filePath), 0755)
	m.puts++
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, body)
	if err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	return nil
}

// Get opens key, returning storage.ErrNotFound for a missing key.
func (m *FileBasedS3Mock) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.simulated(key); err != nil {
		return nil, err
	}
	file, err := os.Open(m.keyToFilePath(key))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Exists reports whether key is stored.
func (m *FileBasedS3Mock) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := m.simulated(key); err != nil {
		return false, err
	}
	_, err := os.Stat(m.keyToFilePath(key))
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Delete removes key. A missing key is not an error.
func (m *FileBasedS3Mock) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.simulated(key); err != nil {
		return err
	}
	if err := os.Remove(m.keyToFilePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// DeletePrefix removes every key under prefix.
func (m *FileBasedS3Mock) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	removed := 0
	for _, key := range m.GetStoredKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := m.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// SetError makes every operation on key fail with err.
func (m *FileBasedS3Mock) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// PutCount is the number of Put calls that reached the disk.
func (m *FileBasedS3Mock) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// GetStoredKeys returns every stored key in sorted order.
func (m *FileBasedS3Mock) GetStoredKeys() []string {
	var keys []string
	err := filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			keys = append(keys, m.filePathToKey(path))
		}
		return nil
	})
	if err != nil {
		return []string{}
	}
	sort.Strings(keys)
	return keys
}

// GetStoredData returns the bytes under key.
func (m *FileBasedS3Mock) GetStoredData(key string) ([]byte, bool) {
	data, err := os.ReadFile(m.keyToFilePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (m *FileBasedS3Mock) ObjectCount() int {
	return len(m.GetStoredKeys())
}

func (m *FileBasedS3Mock) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, filepath.FromSlash(key))
}

func (m *FileBasedS3Mock) filePathToKey(filePath string) string {
	relPath, err := filepath.Rel(m.baseDir, filePath)
	if err != nil {
		return filePath
	}
	return filepath.ToSlash(relPath)
}
