// Package backup keeps verbatim copies of files an install run overwrites.
//
// Each run owns one directory named patch_<YmdHis> under a common root; a run
// starting in a second another run already claimed gets patch_<YmdHis>_2,
// _3 and so on. The directory is created on the first Save so runs that only
// add new files leave nothing behind. Directories are never removed automatically; Prune is the
// explicit cleanup hook.
package backup

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/patchd/internal/fileset"
)

const (
	dirPrefix = "patch_"
	// dirLayout is Go's rendering of YmdHis.
	dirLayout = "20060102150405"
	// maxClaims bounds the suffixes tried for one second.
	maxClaims = 1000
)

// Run is the backup directory of one install run.
type Run struct {
	root    string
	name    string
	created time.Time

	mu    sync.Mutex
	dir   string
	files []string
}

// NewRun prepares a run named after now. Nothing is written until Save.
func NewRun(root string, now time.Time) *Run {
	return &Run{
		root:    root,
		name:    dirPrefix + now.Format(dirLayout),
		created: now,
	}
}

// Save copies the file at src into the run directory under rel.
func (r *Run) Save(rel, src string) error {
	if err := fileset.CheckPath(rel); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dir == "" {
		dir, err := r.claimDir()
		if err != nil {
			return err
		}
		r.dir = dir
	}

	dst := fileset.Join(r.dir, rel)
	if err := fileset.CopyFile(src, dst); err != nil {
		return fmt.Errorf("backing up %s: %w", rel, err)
	}
	r.files = append(r.files, rel)
	return nil
}

// claimDir creates a run directory no other run owns. Backups of earlier
// runs are never written into.
func (r *Run) claimDir() (string, error) {
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return "", fmt.Errorf("creating backup root %s: %w", r.root, err)
	}
	for n := 1; n <= maxClaims; n++ {
		name := r.name
		if n > 1 {
			name = r.name + "_" + strconv.Itoa(n)
		}
		dir := filepath.Join(r.root, name)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating backup directory %s: %w", dir, err)
		}
	}
	return "", fmt.Errorf("creating backup directory: %d runs already use %s", maxClaims, r.name)
}

// Dir returns the run directory, or "" when nothing has been saved.
func (r *Run) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Files returns the relative paths saved so far.
func (r *Run) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.files)
}

// Entry describes one backup directory on disk.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Created time.Time `json:"created"`

	seq int
}

// List returns the backup directories under root, oldest first. A missing
// root yields an empty list.
func List(root string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup root: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), dirPrefix) {
			continue
		}
		created, seq, ok := parseName(de.Name())
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(root, de.Name()),
			Created: created,
			seq:     seq,
		})
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return entries, nil
}

// parseName splits patch_<YmdHis>[_<n>] into its time and claim number.
func parseName(name string) (time.Time, int, bool) {
	rest, ok := strings.CutPrefix(name, dirPrefix)
	if !ok {
		return time.Time{}, 0, false
	}
	stamp, suffix, hasSuffix := strings.Cut(rest, "_")
	created, err := time.ParseInLocation(dirLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	if !hasSuffix {
		return created, 1, true
	}
	seq, err := strconv.Atoi(suffix)
	if err != nil || seq < 2 {
		return time.Time{}, 0, false
	}
	return created, seq, true
}

// Prune removes all but the newest keep backup directories and returns the
// removed entries.
func Prune(root string, keep int) ([]Entry, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", keep)
	}

	entries, err := List(root)
	if err != nil {
		return nil, err
	}
	if len(entries) <= keep {
		return nil, nil
	}

	stale := entries[:len(entries)-keep]
	removed := make([]Entry, 0, len(stale))
	for _, e := range stale {
		if err := os.RemoveAll(e.Path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Path, err)
		}
		removed = append(removed, e)
	}
	return removed, nil
}
