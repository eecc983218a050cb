// Package cache clears the CMS runtime caches after a patch lands so new
// code and configuration take effect on the next request.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Invalidator clears cached state.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// DirInvalidator empties a fixed set of directories. The directories
// themselves are kept; missing directories are skipped.
type DirInvalidator struct {
	dirs   []string
	logger *slog.Logger
}

// NewDirInvalidator returns an invalidator for dirs.
func NewDirInvalidator(logger *slog.Logger, dirs ...string) *DirInvalidator {
	return &DirInvalidator{dirs: dirs, logger: logger}
}

// Invalidate removes the contents of every directory. It attempts all of
// them and reports the combined failures.
func (d *DirInvalidator) Invalidate(ctx context.Context) error {
	var errs []error
	for _, dir := range d.dirs {
		if err := ctx.Err(); err != nil {
			return err
		}

		removed, err := clearDir(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.logger.Debug("cache directory cleared", "dir", dir, "entries", removed)
	}
	return errors.Join(errs...)
}

func clearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cache directory %s: %w", dir, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return 0, fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return len(entries), nil
}

// Func adapts a function to Invalidator.
type Func func(ctx context.Context) error

// Invalidate calls f.
func (f Func) Invalidate(ctx context.Context) error {
	return f(ctx)
}
