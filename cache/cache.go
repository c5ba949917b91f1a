// Package cache keeps archived recordings on local disk, addressed by their
// content hash, so the HTTP API can serve audio without a round trip to S3.
// A sqlite index tracks sizes and access times for capacity-based purging.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/metrics"
)

const DataDir = "data"
const IndexDB = "cache_index.db"
const PurgeBatchSize = 1000

// DefaultOrphanCleanupAge is how long an entry may sit unused before the
// purge loop asks the source database whether its message still exists.
const DefaultOrphanCleanupAge = 24 * time.Hour

// ErrTooLarge is returned by Put for objects above the size limit.
var ErrTooLarge = errors.New("object exceeds cache size limit")

// SourceDatabase reports which content hashes still belong to a message.
type SourceDatabase interface {
	FindExistingContentHashes(ctx context.Context, hashes []string) ([]string, error)
}

type Cache struct {
	basePath         string
	capacity         int64
	maxObjectSize    int64
	purgeInterval    time.Duration
	orphanCleanupAge time.Duration
	db               *sql.DB
	mu               sync.Mutex
	sourceDB         SourceDatabase

	hits   atomic.Int64
	misses atomic.Int64
}

func New(basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration, sourceDB SourceDatabase) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	// One writer at a time; the mutex already serializes index updates.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL journal", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		content_hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		atime TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_atime ON cache_index(atime);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:         basePath,
		capacity:         capacity,
		maxObjectSize:    maxObjectSize,
		purgeInterval:    purgeInterval,
		orphanCleanupAge: DefaultOrphanCleanupAge,
		db:               db,
		sourceDB:         sourceDB,
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// path splits the hash into two directory levels.
func (c *Cache) path(contentHash string) string {
	if len(contentHash) < 5 {
		return filepath.Join(c.basePath, DataDir, contentHash)
	}
	return filepath.Join(c.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash[4:])
}

func validHash(contentHash string) bool {
	return contentHash != "" && !strings.ContainsAny(contentHash, `/\.`)
}

// Get returns the cached object and refreshes its access time.
func (c *Cache) Get(contentHash string) ([]byte, error) {
	if !validHash(contentHash) {
		return nil, fmt.Errorf("invalid content hash %q", contentHash)
	}
	data, err := os.ReadFile(c.path(contentHash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.misses.Add(1)
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		}
		return nil, err
	}
	c.hits.Add(1)
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()

	c.mu.Lock()
	_, err = c.db.Exec(`UPDATE cache_index SET atime = ? WHERE content_hash = ?`, time.Now(), contentHash)
	c.mu.Unlock()
	if err != nil {
		logger.Warn("Cache: failed to touch entry", "hash", contentHash, "error", err)
	}
	return data, nil
}

// Put stores data under contentHash, replacing any previous copy.
func (c *Cache) Put(contentHash string, data []byte) error {
	if !validHash(contentHash) {
		return fmt.Errorf("invalid content hash %q", contentHash)
	}
	if int64(len(data)) > c.maxObjectSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), c.maxObjectSize)
	}

	path := c.path(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Readers never see a partially written file.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to move temporary file to %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (content_hash, size, atime) VALUES (?, ?, ?)`,
		contentHash, len(data), time.Now())
	if err != nil {
		return fmt.Errorf("failed to index cache entry %s: %w", contentHash, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

func (c *Cache) Exists(contentHash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var count int
	// The index is authoritative; a stat would race with purges.
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE content_hash = ?`, contentHash).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query cache index: %w", err)
	}
	return count > 0, nil
}

// Delete removes an entry. A missing entry is not an error.
func (c *Cache) Delete(contentHash string) error {
	if !validHash(contentHash) {
		return fmt.Errorf("invalid content hash %q", contentHash)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(contentHash)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("failed to remove index entry %s: %w", contentHash, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

func removeEmptyParents(path string, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		path = dir
	}
}

// hashFromPath reverses path for files below the data directory.
func (c *Cache) hashFromPath(path string) (string, bool) {
	rel, err := filepath.Rel(filepath.Join(c.basePath, DataDir), path)
	if err != nil || strings.HasSuffix(rel, ".tmp") {
		return "", false
	}
	return strings.ReplaceAll(rel, string(filepath.Separator), ""), true
}

// SyncFromDisk indexes files found on disk and drops index entries whose
// file is gone. Run at startup to recover from an unclean shutdown.
func (c *Cache) SyncFromDisk(ctx context.Context) error {
	type fileStat struct {
		hash    string
		size    int64
		modTime time.Time
	}
	var files []fileStat

	dataDir := filepath.Join(c.basePath, DataDir)
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		hash, ok := c.hashFromPath(path)
		if !ok {
			// leftover from an interrupted Put
			os.Remove(path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warn("Cache: failed to stat file during sync", "path", path, "error", err)
			return nil
		}
		files = append(files, fileStat{hash: hash, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}

	if len(files) > 0 {
		c.mu.Lock()
		err := func() error {
			tx, err := c.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			for _, f := range files {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO cache_index (content_hash, size, atime) VALUES (?, ?, ?)`,
					f.hash, f.size, f.modTime); err != nil {
					return err
				}
			}
			return tx.Commit()
		}()
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to index files found on disk: %w", err)
		}
		logger.Info("Cache: synced index from disk", "files", len(files))
	}

	return c.RemoveStaleDBEntries(ctx)
}

func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		c.runPurgeCycle(ctx)

		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	if err := c.PurgeIfNeeded(ctx); err != nil {
		logger.Warn("Cache: purge failed", "error", err)
	}
	if err := c.RemoveStaleDBEntries(ctx); err != nil {
		logger.Warn("Cache: stale entry cleanup failed", "error", err)
	}
	if err := c.PurgeOrphanedContentHashes(ctx); err != nil {
		logger.Warn("Cache: orphan cleanup failed", "error", err)
	}
	c.publishStats()
}

// PurgeIfNeeded evicts least recently used entries until the cache fits
// its capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	candidates, err := c.purgeCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get purge candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}
	removed := c.removeEntries(ctx, candidates)
	logger.Info("Cache: purged entries over capacity", "count", removed)
	return nil
}

func (c *Cache) purgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&totalSize); err != nil {
		return nil, fmt.Errorf("failed to get total cache size: %w", err)
	}
	if totalSize <= c.capacity {
		return nil, nil
	}
	amountToFree := totalSize - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT content_hash, size FROM cache_index ORDER BY atime ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query purge candidates: %w", err)
	}
	defer rows.Close()

	var hashes []string
	var freed int64
	for rows.Next() && freed < amountToFree {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
		freed += size
	}
	return hashes, rows.Err()
}

// removeEntries deletes files and their index rows in batches and returns
// the number of rows removed.
func (c *Cache) removeEntries(ctx context.Context, hashes []string) int {
	dataDir := filepath.Join(c.basePath, DataDir)
	var total int
	for start := 0; start < len(hashes); start += PurgeBatchSize {
		end := min(start+PurgeBatchSize, len(hashes))
		batch := make([]string, 0, end-start)
		for _, hash := range hashes[start:end] {
			path := c.path(hash)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Cache: failed to remove file", "path", path, "error", err)
				continue
			}
			removeEmptyParents(path, dataDir)
			batch = append(batch, hash)
		}
		if len(batch) == 0 {
			continue
		}

		query := `DELETE FROM cache_index WHERE content_hash IN (?` + strings.Repeat(",?", len(batch)-1) + `)`
		args := make([]any, len(batch))
		for i, h := range batch {
			args[i] = h
		}
		c.mu.Lock()
		result, err := c.db.ExecContext(ctx, query, args...)
		c.mu.Unlock()
		if err != nil {
			logger.Warn("Cache: failed to remove index entries", "error", err)
			continue
		}
		n, _ := result.RowsAffected()
		total += int(n)
	}
	return total
}

// PurgeOrphanedContentHashes drops entries unused for orphanCleanupAge
// whose message no longer exists in the source database.
func (c *Cache) PurgeOrphanedContentHashes(ctx context.Context) error {
	if c.sourceDB == nil {
		return nil
	}
	threshold := time.Now().Add(-c.orphanCleanupAge)

	c.mu.Lock()
	rows, err := c.db.QueryContext(ctx, `SELECT content_hash FROM cache_index WHERE atime < ?`, threshold)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	var stale []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err == nil {
			stale = append(stale, hash)
		}
	}
	rows.Close()
	c.mu.Unlock()

	var orphans []string
	for start := 0; start < len(stale); start += PurgeBatchSize {
		batch := stale[start:min(start+PurgeBatchSize, len(stale))]
		existing, err := c.sourceDB.FindExistingContentHashes(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to check content hashes: %w", err)
		}
		keep := make(map[string]bool, len(existing))
		for _, h := range existing {
			keep[h] = true
		}
		for _, h := range batch {
			if !keep[h] {
				orphans = append(orphans, h)
			}
		}
	}
	if len(orphans) > 0 {
		removed := c.removeEntries(ctx, orphans)
		logger.Info("Cache: removed orphaned entries", "count", removed)
	}
	return nil
}

// RemoveStaleDBEntries drops index rows whose file has disappeared.
func (c *Cache) RemoveStaleDBEntries(ctx context.Context) error {
	c.mu.Lock()
	rows, err := c.db.QueryContext(ctx, `SELECT content_hash FROM cache_index`)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to query cache_index: %w", err)
	}
	var all []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err == nil {
			all = append(all, hash)
		}
	}
	rows.Close()
	c.mu.Unlock()

	var stale []string
	for _, hash := range all {
		if _, err := os.Stat(c.path(hash)); errors.Is(err, os.ErrNotExist) {
			stale = append(stale, hash)
		}
	}
	if len(stale) > 0 {
		c.removeEntries(ctx, stale)
	}
	return nil
}

// CacheStats holds cache statistics
type CacheStats struct {
	ObjectCount int64 `json:"object_count"`
	TotalSize   int64 `json:"total_size"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
}

func (c *Cache) GetStats() (*CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`).Scan(&stats.ObjectCount, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return stats, nil
}

func (c *Cache) publishStats() {
	stats, err := c.GetStats()
	if err != nil {
		logger.Warn("Cache: failed to read stats", "error", err)
		return
	}
	metrics.CacheSizeBytes.Set(float64(stats.TotalSize))
	metrics.CacheObjectsTotal.Set(float64(stats.ObjectCount))
}

// PurgeAll removes every cached object and clears the index.
func (c *Cache) PurgeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataDir := filepath.Join(c.basePath, DataDir)
	if err := os.RemoveAll(dataDir); err != nil {
		return fmt.Errorf("failed to remove cache data directory %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to recreate cache data directory %s: %w", dataDir, err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index`); err != nil {
		return fmt.Errorf("failed to clear cache index: %w", err)
	}
	return nil
}
