package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/jordan16ellis/fw-coll-env/internal/logging"
)

// RetentionPolicy defines how many episode bundles are retained on disk.
type RetentionPolicy struct {
	MaxEpisodes int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of persisted bundles.
type StorageStats struct {
	Episodes  int
	Removed   int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes episode bundles according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided replay directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) error {
	if c == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Sweep eagerly so retention applies on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	bundles := c.collect(entries)
	now := c.now()
	stats := StorageStats{LastSweep: now}
	for _, b := range bundles {
		remove, reason := c.shouldRemove(b, now, stats.Episodes)
		if remove {
			if err := os.RemoveAll(b.path); err != nil {
				c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("episode", b.name))
			} else {
				c.log.Info("replay retention removed bundle", logging.String("episode", b.name), logging.String("reason", reason))
				stats.Removed++
				continue
			}
		}
		//1.- Anything that survives, including failed removals, counts toward the budget.
		stats.Episodes++
		stats.Bytes += b.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// collect returns bundle directories newest first. Loose files are not bundles and are left alone.
func (c *Cleaner) collect(entries []os.DirEntry) []bundleDir {
	bundles := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, ManifestFile)); err != nil {
			continue
		}
		size, modTime, err := directoryFootprint(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		bundles = append(bundles, bundleDir{name: entry.Name(), path: path, size: size, modTime: modTime})
	}
	slices.SortFunc(bundles, func(a, b bundleDir) int { return b.modTime.Compare(a.modTime) })
	return bundles
}

func (c *Cleaner) shouldRemove(b bundleDir, now time.Time, kept int) (bool, string) {
	var reasons []string
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxEpisodes > 0 && kept >= c.policy.MaxEpisodes {
		reasons = append(reasons, fmt.Sprintf(">=%d episodes", c.policy.MaxEpisodes))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

// directoryFootprint sums file sizes and reports the newest modification time.
func directoryFootprint(root string) (int64, time.Time, error) {
	var total int64
	var newest time.Time
	var errs error
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = multierr.Append(errs, err)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = multierr.Append(errs, err)
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, newest, multierr.Append(walkErr, errs)
}
