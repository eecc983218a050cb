// Package patch sequences and applies versioned file patches.
//
// The Engine compares the remote manifest against the applied-patch ledger,
// refuses out-of-order or repeated installs, and applies a version's files
// with per-run backups. The ledger is only written after every file of a
// version is in place.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/patchd/internal/cache"
	"github.com/schaermu/patchd/internal/config"
	"github.com/schaermu/patchd/internal/journal"
	"github.com/schaermu/patchd/internal/ledger"
	"github.com/schaermu/patchd/internal/remote"
	"github.com/schaermu/patchd/internal/version"
)

// Remote fetches patch content from the mirrors.
type Remote interface {
	FetchManifest(ctx context.Context) ([]string, remote.Source, error)
	FetchFileList(ctx context.Context, version string) ([]string, remote.Source, error)
	FetchFile(ctx context.Context, version, rel string) ([]byte, remote.Source, error)
	Diagnose(ctx context.Context) ([]remote.Probe, error)
}

// Journal records install runs.
type Journal interface {
	Begin(ctx context.Context, version, mode string) (string, error)
	Finish(ctx context.Context, id string, out journal.Outcome) error
	List(ctx context.Context, limit int) ([]journal.Run, error)
	Get(ctx context.Context, id string) (*journal.Run, error)
}

// Report is the result of Status and Check.
type Report struct {
	Source      string   `json:"source,omitempty"`
	Applied     []string `json:"applied"`
	Latest      string   `json:"latest,omitempty"`
	Patches     []Entry  `json:"patches"`
	RemoteError string   `json:"remote_error,omitempty"`
}

// Pending returns the patches not yet applied.
func (r *Report) Pending() []Entry {
	return Pending(r.Patches)
}

// Engine runs patch operations against one installation.
type Engine struct {
	rootDir    string
	stagingDir string
	backupDir  string

	store   ledger.Store
	remote  Remote
	cache   cache.Invalidator
	journal Journal
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes operations that write to the installation.
	mu sync.Mutex

	// twoPhase tracks journal runs of client-driven installs in this process.
	twoPhase map[string]*pendingRun
}

type pendingRun struct {
	id        string
	files     int
	backupDir string
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records install runs in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithClock overrides the time source used for backup directory names.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a patch engine for the installation described by cfg.
func NewEngine(cfg *config.Config, store ledger.Store, src Remote, inv cache.Invalidator, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		rootDir:    cfg.Paths.RootDir,
		stagingDir: cfg.Paths.StagingDir,
		backupDir:  cfg.Paths.BackupDir,
		store:      store,
		remote:     src,
		cache:      inv,
		logger:     logger,
		now:        time.Now,
		twoPhase:   make(map[string]*pendingRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status lists every remote version against the ledger. An unreachable
// remote yields an empty patch list with RemoteError set, not an error.
func (e *Engine) Status(ctx context.Context) (*Report, error) {
	applied, err := e.loadApplied(ctx, OpStatus, "")
	if err != nil {
		return nil, err
	}

	report := &Report{Applied: applied, Latest: version.Latest(applied)}

	remoteVersions, src, err := e.remote.FetchManifest(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Warn("remote manifest unavailable", "error", err)
		report.RemoteError = err.Error()
		report.Patches = []Entry{}
		return report, nil
	}

	report.Source = src.String()
	report.Patches = Compare(remoteVersions, applied)
	return report, nil
}

// Check fetches the remote manifest and compares it against the ledger. An
// unreachable remote is an error.
func (e *Engine) Check(ctx context.Context) (*Report, error) {
	applied, err := e.loadApplied(ctx, OpCheck, "")
	if err != nil {
		return nil, err
	}

	remoteVersions, src, err := e.remote.FetchManifest(ctx)
	if err != nil {
		return nil, newError(OpCheck, "", "", fmt.Errorf("%w: %w", ErrManifest, err))
	}

	patches := Compare(remoteVersions, applied)
	e.logger.Info("checked for patches",
		"source", src.String(),
		"remote", len(patches),
		"pending", len(Pending(patches)))

	return &Report{
		Source:  src.String(),
		Applied: applied,
		Latest:  version.Latest(applied),
		Patches: patches,
	}, nil
}

// Diagnose probes every mirror with every transport.
func (e *Engine) Diagnose(ctx context.Context) ([]remote.Probe, error) {
	probes, err := e.remote.Diagnose(ctx)
	if err != nil {
		return nil, newError(OpDiagnose, "", "", fmt.Errorf("%w: %w", ErrManifest, err))
	}
	return probes, nil
}

// History returns recorded install runs, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]journal.Run, error) {
	if e.journal == nil {
		return []journal.Run{}, nil
	}
	runs, err := e.journal.List(ctx, limit)
	if err != nil {
		return nil, &Error{Kind: KindFilesystem, Op: OpHistory, Err: err}
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	return runs, nil
}

// Run returns one recorded install run. An unknown id, or no journal at all,
// is a validation error wrapping journal.ErrNotFound.
func (e *Engine) Run(ctx context.Context, id string) (*journal.Run, error) {
	if id == "" {
		return nil, MissingParameter(OpHistory, "id")
	}
	if e.journal == nil {
		return nil, &Error{Kind: KindValidation, Op: OpHistory, Err: fmt.Errorf("%w: %s", journal.ErrNotFound, id)}
	}
	run, err := e.journal.Get(ctx, id)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		return nil, &Error{Kind: KindValidation, Op: OpHistory, Err: err}
	case err != nil:
		return nil, &Error{Kind: KindFilesystem, Op: OpHistory, Err: err}
	}
	return run, nil
}

func (e *Engine) loadApplied(ctx context.Context, op, v string) ([]string, error) {
	applied, err := e.store.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newError(op, v, "", fmt.Errorf("%w: %w", ErrLedger, err))
	}
	return applied, nil
}

// checkInstallable runs the checks every install entry point shares. It
// touches neither the network nor the installation.
func (e *Engine) checkInstallable(ctx context.Context, op, v string) error {
	if v == "" {
		return MissingParameter(op, "version")
	}
	if err := version.Validate(v); err != nil {
		return newError(op, v, "", fmt.Errorf("%w: %w", ErrInvalidVersion, err))
	}

	applied, err := e.loadApplied(ctx, op, v)
	if err != nil {
		return err
	}
	if !CanInstall(applied, v) {
		return newError(op, v, "", fmt.Errorf("%w: latest installed is %s", ErrOutOfOrder, version.Latest(applied)))
	}
	for _, a := range applied {
		if a == v {
			return newError(op, v, "", ErrAlreadyApplied)
		}
	}
	return nil
}

// commit records v and clears caches. A cache failure is logged and
// returned as a warning since the patch itself is already in place.
func (e *Engine) commit(ctx context.Context, op, v string) (string, error) {
	if err := e.store.Record(ctx, v); err != nil {
		return "", newError(op, v, "", fmt.Errorf("%w: %w", ErrLedger, err))
	}
	e.logger.Info("patch recorded", "version", v)

	if e.cache == nil {
		return "", nil
	}
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.Warn("cache invalidation failed", "version", v, "error", err)
		return fmt.Sprintf("cache invalidation failed: %v", err), nil
	}
	e.logger.Info("caches cleared", "version", v)
	return "", nil
}

func (e *Engine) beginRun(ctx context.Context, v, mode string) string {
	if e.journal == nil {
		return ""
	}
	id, err := e.journal.Begin(ctx, v, mode)
	if err != nil {
		e.logger.Warn("journal unavailable", "version", v, "error", err)
		return ""
	}
	return id
}

func (e *Engine) finishRun(ctx context.Context, id string, out journal.Outcome) {
	if e.journal == nil || id == "" {
		return
	}
	// Record the outcome even when the request context is already done.
	ctx = context.WithoutCancel(ctx)
	if err := e.journal.Finish(ctx, id, out); err != nil {
		e.logger.Warn("failed to record install outcome", "run", id, "error", err)
	}
}

// backupDirOf extracts the backup directory recorded on a failure.
func backupDirOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.BackupDir
	}
	return ""
}
