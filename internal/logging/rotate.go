package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/jordan16ellis/fw-coll-env/internal/config"
)

var _ zapcore.WriteSyncer = (*rotatingFile)(nil)

// rotatingFile is a size-capped log file. Full files are renamed with a UTC
// stamp, optionally gzipped, and pruned by count and age.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	limit      int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func openRotatingFile(cfg config.LoggingConfig) (*rotatingFile, error) {
	//1.- Reject retention settings that would make rotation meaningless.
	switch {
	case cfg.MaxSizeMB <= 0:
		return nil, errors.New("log max size must be positive")
	case cfg.MaxBackups < 0:
		return nil, errors.New("log max backups must be non-negative")
	case cfg.MaxAgeDays < 0:
		return nil, errors.New("log max age must be non-negative")
	}
	r := &rotatingFile{
		path:       cfg.Path,
		limit:      int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	//2.- Append to an existing file so restarts keep history.
	if err := r.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) open(mode int) error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, errors.New("log file closed")
	}
	if r.size > 0 && r.size+int64(len(p)) > r.limit {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close flushes and releases the active file.
func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *rotatingFile) rotateLocked() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil
	//1.- Move the full file aside under a sortable timestamp.
	backup := fmt.Sprintf("%s.%s", r.path, r.now().UTC().Format("20060102T150405.000"))
	if err := os.Rename(r.path, backup); err != nil {
		return err
	}
	if r.compress {
		if err := gzipFile(backup, backup+".gz"); err == nil {
			_ = os.Remove(backup)
		}
	}
	//2.- Prune before reopening so a failed prune never loses the live file.
	r.pruneLocked()
	return r.open(os.O_TRUNC)
}

func (r *rotatingFile) pruneLocked() {
	dir := filepath.Dir(r.path)
	prefix := filepath.Base(r.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type backupFile struct {
		path string
		mod  time.Time
	}
	var backups []backupFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{path: filepath.Join(dir, entry.Name()), mod: info.ModTime()})
	}
	//1.- Newest first so the count limit keeps the most recent backups.
	slices.SortFunc(backups, func(a, b backupFile) int { return b.mod.Compare(a.mod) })
	cutoff := r.now().Add(-r.maxAge)
	for i, b := range backups {
		tooMany := r.maxBackups > 0 && i >= r.maxBackups
		tooOld := r.maxAge > 0 && b.mod.Before(cutoff)
		if tooMany || tooOld {
			_ = os.Remove(b.path)
		}
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(src)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		return err
	}
	return gz.Close()
}
