// Package publish builds update packages in the staging directory that
// mirrors serve: one directory per version holding the changed files and
// their file list, plus the version manifest.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/schaermu/patchd/internal/config"
	"github.com/schaermu/patchd/internal/fileset"
	"github.com/schaermu/patchd/internal/git"
	"github.com/schaermu/patchd/internal/remote"
	"github.com/schaermu/patchd/internal/version"
)

var (
	// ErrNothingStaged is returned when no files were given and none are staged.
	ErrNothingStaged = errors.New("no staged files")
	// ErrNothingCopied is returned when every requested file was missing.
	ErrNothingCopied = errors.New("no files were copied")
	// ErrEmptyPackage marks a version directory without any files to list.
	ErrEmptyPackage = errors.New("version directory holds no files")
	// ErrNotARepo is returned when committing outside a git work tree.
	ErrNotARepo = errors.New("update directory is not a git repository")
)

// Result describes a built package.
type Result struct {
	Version     string   `json:"version"`
	Dir         string   `json:"dir"`
	Files       []string `json:"files"`
	Skipped     []string `json:"skipped,omitempty"`
	Versions    []string `json:"versions"`
	Regenerated bool     `json:"regenerated"`
	Committed   bool     `json:"committed"`
}

// Builder creates update packages from a project work tree.
type Builder struct {
	projectRoot string
	updateDir   string
	ledgerName  string
	loc         *time.Location
	commit      bool
	push        bool
	git         git.Client
	logger      *slog.Logger
	now         func() time.Time
}

// NewBuilder returns a builder for the project and update directory in cfg.
func NewBuilder(cfg *config.Config, client git.Client, logger *slog.Logger) *Builder {
	return &Builder{
		projectRoot: cfg.Package.ProjectRoot,
		updateDir:   cfg.Package.UpdateDir,
		ledgerName:  filepath.Base(cfg.Paths.LedgerFile),
		loc:         cfg.PackageLocation(),
		commit:      cfg.Package.Commit,
		push:        cfg.Package.Push,
		git:         client,
		logger:      logger,
		now:         time.Now,
	}
}

// UpdateDir returns the directory packages are written to.
func (b *Builder) UpdateDir() string {
	return b.updateDir
}

// DefaultVersion returns the version for the current hour in the package timezone.
func (b *Builder) DefaultVersion() string {
	return version.FromTime(b.now(), b.loc)
}

// StagedFiles returns the files staged in the project repository, without
// the applied-patch ledger.
func (b *Builder) StagedFiles(ctx context.Context) ([]string, error) {
	files, err := b.git.StagedFiles(ctx, b.projectRoot)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(files, func(f string) bool {
		return f == b.ledgerName
	}), nil
}

// Create builds the package for v, defaulting to DefaultVersion. When the
// version directory already exists and no files are given, only its file
// list and the manifest are regenerated. Otherwise files, or the staged files
// when none are given, are copied from the project root.
func (b *Builder) Create(ctx context.Context, v string, files []string) (*Result, error) {
	if v == "" {
		v = b.DefaultVersion()
	}
	if _, err := version.Time(v); err != nil {
		return nil, err
	}

	res := &Result{Version: v, Dir: filepath.Join(b.updateDir, v)}

	_, statErr := os.Stat(res.Dir)
	switch {
	case statErr == nil && len(files) == 0:
		res.Regenerated = true
		b.logger.Info("version directory exists, regenerating file list", "version", v, "dir", res.Dir)
	default:
		if len(files) == 0 {
			staged, err := b.StagedFiles(ctx)
			if err != nil {
				return nil, err
			}
			if len(staged) == 0 {
				return nil, ErrNothingStaged
			}
			files = staged
		}
		skipped, err := b.copyFiles(res.Dir, files)
		if err != nil {
			return nil, err
		}
		res.Skipped = skipped
	}

	listed, err := GenerateFileList(res.Dir)
	if err != nil {
		return nil, err
	}
	res.Files = listed

	versions, err := UpdateVersionList(b.updateDir, v)
	if err != nil {
		return nil, err
	}
	res.Versions = versions

	if b.commit {
		committed, err := b.publish(ctx, v)
		if err != nil {
			return res, err
		}
		res.Committed = committed
	}

	b.logger.Info("update package created", "version", v, "files", len(res.Files), "committed", res.Committed)
	return res, nil
}

// copyFiles copies each project file into dir. Missing sources are skipped
// and returned.
func (b *Builder) copyFiles(dir string, files []string) ([]string, error) {
	if err := fileset.CheckPaths(files); err != nil {
		return nil, err
	}

	var skipped []string
	copied := 0
	for _, rel := range files {
		src := fileset.Join(b.projectRoot, rel)
		info, err := os.Stat(src)
		if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
			b.logger.Warn("source file missing, skipping", "path", rel)
			skipped = append(skipped, rel)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
		}

		if err := fileset.CopyFile(src, fileset.Join(dir, rel)); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		b.logger.Debug("file copied", "path", rel)
		copied++
	}

	if copied == 0 {
		return nil, ErrNothingCopied
	}
	return skipped, nil
}

func (b *Builder) publish(ctx context.Context, v string) (bool, error) {
	if !b.git.IsRepo(ctx, b.updateDir) {
		return false, fmt.Errorf("%w: %s", ErrNotARepo, b.updateDir)
	}
	committed, err := b.git.CommitAll(ctx, b.updateDir, "Add update package "+v, b.push)
	if err != nil {
		return committed, err
	}
	if !committed {
		b.logger.Info("nothing to commit", "dir", b.updateDir)
	}
	return committed, nil
}

// GenerateFileList scans versionDir and writes its sorted file list.
func GenerateFileList(versionDir string) ([]string, error) {
	info, err := os.Stat(versionDir)
	if err != nil {
		return nil, fmt.Errorf("version directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", versionDir)
	}

	files, err := fileset.Scan(versionDir, fileset.ListFile)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", versionDir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPackage, versionDir)
	}

	if err := fileset.WriteFile(filepath.Join(versionDir, fileset.ListFile), fileset.FormatList(files), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file list: %w", err)
	}
	return files, nil
}

// UpdateVersionList adds v to the manifest in updateDir and rewrites it
// sorted and deduplicated.
func UpdateVersionList(updateDir, v string) ([]string, error) {
	path := filepath.Join(updateDir, remote.ManifestFile)

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read version list: %w", err)
	}

	versions := version.SortedUnique(append(fileset.ParseList(data), v))
	if err := fileset.WriteFile(path, fileset.FormatList(versions), 0644); err != nil {
		return nil, fmt.Errorf("failed to write version list: %w", err)
	}
	return versions, nil
}
