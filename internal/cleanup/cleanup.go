package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/logctx"
)

// partialGrace keeps partial files that may still belong to a running fetch.
const partialGrace = 10 * time.Minute

// HistoryPruner deletes history records settled before a point in time.
type HistoryPruner interface {
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// DeletePartialFiles removes leftover partial files under dir whose last
// write is older than olderThan.
func DeletePartialFiles(ctx context.Context, fsys afero.Fs, dir string, olderThan time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	err := afero.Walk(fsys, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil // target directory not created yet
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if info.IsDir() || !fetch.IsPartial(path) || now.Sub(info.ModTime()) < olderThan {
			return nil
		}

		if err := fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("failed to delete partial file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted partial file", "file", path)

		removed++

		return nil
	})

	return removed, err
}

// Cleaner periodically removes stale partial files and expired history.
type Cleaner struct {
	fs          afero.Fs
	dir         string
	history     HistoryPruner
	keepHistory time.Duration
	interval    time.Duration
}

func NewCleaner(fsys afero.Fs, dir string, history HistoryPruner, keepHistory, interval time.Duration) *Cleaner {
	return &Cleaner{
		fs:          fsys,
		dir:         dir,
		history:     history,
		keepHistory: keepHistory,
		interval:    interval,
	}
}

// RunOnce performs a single cleanup pass.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	if _, err := DeletePartialFiles(ctx, c.fs, c.dir, partialGrace); err != nil {
		errs = append(errs, fmt.Errorf("delete partial files: %w", err))
	}

	if c.history != nil && c.keepHistory > 0 {
		n, err := c.history.PruneBefore(ctx, time.Now().Add(-c.keepHistory))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune history: %w", err))
		} else if n > 0 {
			logger.Info("pruned download history", "records", n)
		}
	}

	return errors.Join(errs...)
}

// Run performs a cleanup pass immediately and then every interval until ctx
// is done.
func (c *Cleaner) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := c.RunOnce(ctx); err != nil {
		logger.Error("cleanup failed", "err", err)
	}

	if c.interval <= 0 {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down cleanup")

			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				logger.Error("cleanup failed", "err", err)
			}
		}
	}
}
