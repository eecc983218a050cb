// Package ledger records which patch versions have been applied.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/schaermu/patchd/internal/fileset"
	"github.com/schaermu/patchd/internal/version"
)

// Store is the applied-patch ledger.
type Store interface {
	// Load returns the applied versions sorted ascending without duplicates.
	Load(ctx context.Context) ([]string, error)
	// Record adds a version if absent and persists the full set.
	Record(ctx context.Context, v string) error
	// Contains reports whether a version has been applied.
	Contains(ctx context.Context, v string) (bool, error)
}

// FileLedger keeps the ledger as newline-separated text in a single file.
//
// There is no cross-process locking: two processes recording at the same
// time can both read the old set and the last writer wins.
type FileLedger struct {
	path string
}

// NewFileLedger returns a ledger backed by path.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: path}
}

// Path returns the ledger file location.
func (l *FileLedger) Path() string {
	return l.path
}

// Load reads the ledger, creating an empty file on first access.
func (l *FileLedger) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := l.create(); err != nil {
			return nil, err
		}
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", l.path, err)
	}

	return version.SortedUnique(fileset.ParseList(data)), nil
}

// Record appends v when it is not yet present and rewrites the whole file sorted.
func (l *FileLedger) Record(ctx context.Context, v string) error {
	if err := version.Validate(v); err != nil {
		return err
	}

	applied, err := l.Load(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(applied, v) {
		return nil
	}

	applied = version.SortedUnique(append(applied, v))
	if err := fileset.WriteFile(l.path, fileset.FormatList(applied), 0644); err != nil {
		return fmt.Errorf("writing ledger %s: %w", l.path, err)
	}
	return nil
}

// Contains reports whether v is recorded.
func (l *FileLedger) Contains(ctx context.Context, v string) (bool, error) {
	applied, err := l.Load(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(applied, v), nil
}

func (l *FileLedger) create() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating ledger %s: %w", l.path, err)
	}
	return f.Close()
}

// MemoryLedger is an in-memory Store.
type MemoryLedger struct {
	mu      sync.Mutex
	applied []string
}

// NewMemoryLedger returns a ledger seeded with versions.
func NewMemoryLedger(versions ...string) *MemoryLedger {
	return &MemoryLedger{applied: version.SortedUnique(versions)}
}

// Load returns a copy of the recorded versions.
func (m *MemoryLedger) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.applied), nil
}

// Record adds v when absent.
func (m *MemoryLedger) Record(ctx context.Context, v string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := version.Validate(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = version.SortedUnique(append(m.applied, v))
	return nil
}

// Contains reports whether v is recorded.
func (m *MemoryLedger) Contains(ctx context.Context, v string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.applied, v), nil
}
