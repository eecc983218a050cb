package patch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/schaermu/patchd/internal/backup"
	"github.com/schaermu/patchd/internal/fileset"
	"github.com/schaermu/patchd/internal/journal"
)

// File list origins reported in results.
const (
	ListFromStagingManifest = "staging manifest"
	ListFromStagingScan     = "staging scan"
)

// Result describes a completed single-call install.
type Result struct {
	Version   string   `json:"version"`
	Files     []string `json:"files"`
	ListFrom  string   `json:"list_from"`
	BackupDir string   `json:"backup_dir,omitempty"`
	BackedUp  []string `json:"backed_up,omitempty"`
	RunID     string   `json:"run_id,omitempty"`
	Warning   string   `json:"warning,omitempty"`
}

// FileListResult is the file list handed to a client-driven install.
type FileListResult struct {
	Version  string   `json:"version"`
	Files    []string `json:"files"`
	ListFrom string   `json:"list_from"`
}

// FileResult describes one file written by DownloadFile.
type FileResult struct {
	Version   string `json:"version"`
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
	Source    string `json:"source"`
	BackupDir string `json:"backup_dir,omitempty"`
}

// FinishResult describes the final step of a client-driven install.
type FinishResult struct {
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Install downloads and applies every file of v, then records it. Files
// written before a failure stay in place; the returned error names the
// backup directory holding their previous contents.
func (e *Engine) Install(ctx context.Context, v string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInstallable(ctx, OpInstall, v); err != nil {
		return nil, err
	}

	runID := e.beginRun(ctx, v, journal.ModeSingle)
	res, err := e.install(ctx, v)
	out := journal.Outcome{Err: err}
	if res != nil {
		out.Files = len(res.Files)
		out.BackupDir = res.BackupDir
	} else {
		out.BackupDir = backupDirOf(err)
	}
	e.finishRun(ctx, runID, out)

	if err != nil {
		return nil, err
	}
	res.RunID = runID
	return res, nil
}

func (e *Engine) install(ctx context.Context, v string) (*Result, error) {
	files, from, err := e.resolveFileList(ctx, OpInstall, v)
	if err != nil {
		return nil, err
	}
	if err := fileset.CheckPaths(files); err != nil {
		return nil, newError(OpInstall, v, "", err)
	}

	e.logger.Info("installing patch", "version", v, "files", len(files), "list_from", from)

	run := backup.NewRun(e.backupDir, e.now())
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindTransport, Op: OpInstall, Version: v, Path: rel, BackupDir: run.Dir(), Err: err}
		}

		data, src, err := e.remote.FetchFile(ctx, v, rel)
		if err != nil {
			return nil, &Error{
				Kind:      KindTransport,
				Op:        OpInstall,
				Version:   v,
				Path:      rel,
				BackupDir: run.Dir(),
				Err:       fmt.Errorf("%w: %w", ErrDownload, err),
			}
		}

		if err := e.applyFile(run, rel, data); err != nil {
			pe := newError(OpInstall, v, rel, err)
			pe.BackupDir = run.Dir()
			return nil, pe
		}
		e.logger.Debug("file applied", "version", v, "path", rel, "bytes", len(data), "source", src.String())
	}

	warning, err := e.commit(ctx, OpInstall, v)
	if err != nil {
		return nil, err
	}

	backedUp := run.Files()
	e.logger.Info("patch installed", "version", v, "files", len(files), "backed_up", len(backedUp), "backup_dir", run.Dir())
	return &Result{
		Version:   v,
		Files:     files,
		ListFrom:  from,
		BackupDir: run.Dir(),
		BackedUp:  backedUp,
		Warning:   warning,
	}, nil
}

// FileList returns the remote file list of v for a client-driven install.
func (e *Engine) FileList(ctx context.Context, v string) (*FileListResult, error) {
	if err := e.checkInstallable(ctx, OpFileList, v); err != nil {
		return nil, err
	}

	files, src, err := e.remote.FetchFileList(ctx, v)
	if err != nil {
		return nil, newError(OpFileList, v, fileset.ListFile, fmt.Errorf("%w: %w", ErrDownload, err))
	}
	if len(files) == 0 {
		return nil, newError(OpFileList, v, "", ErrEmptyFileList)
	}
	if err := fileset.CheckPaths(files); err != nil {
		return nil, newError(OpFileList, v, "", err)
	}

	e.mu.Lock()
	if _, ok := e.twoPhase[v]; !ok {
		if id := e.beginRun(ctx, v, journal.ModeTwoPhase); id != "" {
			e.twoPhase[v] = &pendingRun{id: id}
		}
	}
	e.mu.Unlock()

	return &FileListResult{Version: v, Files: files, ListFrom: src.String()}, nil
}

// DownloadFile downloads and applies a single file of v. Each call is its
// own backup run.
func (e *Engine) DownloadFile(ctx context.Context, v, rel string) (*FileResult, error) {
	if rel == "" {
		return nil, MissingParameter(OpDownload, "file")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInstallable(ctx, OpDownload, v); err != nil {
		return nil, err
	}
	if err := fileset.CheckPath(rel); err != nil {
		return nil, newError(OpDownload, v, rel, err)
	}

	data, src, err := e.remote.FetchFile(ctx, v, rel)
	if err != nil {
		e.failTwoPhase(ctx, v, err)
		return nil, newError(OpDownload, v, rel, fmt.Errorf("%w: %w", ErrDownload, err))
	}

	run := backup.NewRun(e.backupDir, e.now())
	if err := e.applyFile(run, rel, data); err != nil {
		pe := newError(OpDownload, v, rel, err)
		pe.BackupDir = run.Dir()
		e.failTwoPhase(ctx, v, pe)
		return nil, pe
	}

	if p, ok := e.twoPhase[v]; ok {
		p.files++
		if run.Dir() != "" {
			p.backupDir = run.Dir()
		}
	}

	e.logger.Info("file applied", "version", v, "path", rel, "bytes", len(data), "source", src.String())
	return &FileResult{
		Version:   v,
		Path:      rel,
		Bytes:     len(data),
		Source:    src.String(),
		BackupDir: run.Dir(),
	}, nil
}

// Finish records v after a client-driven install and clears caches.
func (e *Engine) Finish(ctx context.Context, v string) (*FinishResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInstallable(ctx, OpFinish, v); err != nil {
		return nil, err
	}

	p, ok := e.twoPhase[v]
	if !ok {
		p = &pendingRun{id: e.beginRun(ctx, v, journal.ModeTwoPhase)}
	}
	delete(e.twoPhase, v)

	warning, err := e.commit(ctx, OpFinish, v)
	e.finishRun(ctx, p.id, journal.Outcome{Files: p.files, BackupDir: p.backupDir, Err: err})
	if err != nil {
		return nil, err
	}

	e.logger.Info("patch installed", "version", v, "mode", journal.ModeTwoPhase)
	return &FinishResult{Version: v, RunID: p.id, Warning: warning}, nil
}

// failTwoPhase closes the pending journal run of v as failed.
func (e *Engine) failTwoPhase(ctx context.Context, v string, cause error) {
	p, ok := e.twoPhase[v]
	if !ok {
		return
	}
	delete(e.twoPhase, v)
	e.finishRun(ctx, p.id, journal.Outcome{Files: p.files, BackupDir: p.backupDir, Err: cause})
}

// resolveFileList prefers the staged per-version manifest, then a scan of
// the staged version directory, then the remote file list.
func (e *Engine) resolveFileList(ctx context.Context, op, v string) ([]string, string, error) {
	dir := fileset.Join(e.stagingDir, v)

	data, err := os.ReadFile(fileset.Join(dir, fileset.ListFile))
	switch {
	case err == nil:
		return nonEmpty(op, v, fileset.ParseList(data), ListFromStagingManifest)
	case !errors.Is(err, os.ErrNotExist):
		return nil, "", newError(op, v, fileset.ListFile, err)
	}

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		files, err := fileset.Scan(dir, fileset.ListFile)
		if err != nil {
			return nil, "", newError(op, v, dir, err)
		}
		return nonEmpty(op, v, files, ListFromStagingScan)
	}

	files, src, err := e.remote.FetchFileList(ctx, v)
	if err != nil {
		return nil, "", newError(op, v, fileset.ListFile, fmt.Errorf("%w: %w", ErrDownload, err))
	}
	return nonEmpty(op, v, files, src.String())
}

func nonEmpty(op, v string, files []string, from string) ([]string, string, error) {
	if len(files) == 0 {
		return nil, "", newError(op, v, "", ErrEmptyFileList)
	}
	return files, from, nil
}

// applyFile backs up the current target, if any, and writes data in its place.
func (e *Engine) applyFile(run *backup.Run, rel string, data []byte) error {
	target := fileset.Join(e.rootDir, rel)

	info, err := os.Stat(target)
	switch {
	case err == nil && info.IsDir():
		return fmt.Errorf("%w: target is a directory", ErrWrite)
	case err == nil:
		if err := run.Save(rel, target); err != nil {
			return fmt.Errorf("%w: %w", ErrBackup, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrBackup, err)
	}

	if err := fileset.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}
