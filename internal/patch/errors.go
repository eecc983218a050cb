package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/patchd/internal/fileset"
)

// Kind classifies a failure for callers that need to react to it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindSequencing Kind = "sequencing"
	KindTransport  Kind = "transport"
	KindFilesystem Kind = "filesystem"
)

// Operations named in errors.
const (
	OpStatus   = "status"
	OpCheck    = "check"
	OpInstall  = "install"
	OpFileList = "file list"
	OpDownload = "download"
	OpFinish   = "finish"
	OpDiagnose = "diagnose"
	OpHistory  = "history"
)

var (
	ErrInvalidVersion   = errors.New("invalid patch version")
	ErrOutOfOrder       = errors.New("patches must be installed in order")
	ErrAlreadyApplied   = errors.New("patch already installed")
	ErrEmptyFileList    = errors.New("patch file list is empty")
	ErrUnsafePath       = fileset.ErrUnsafePath
	ErrMissingParameter = errors.New("missing parameter")
	ErrManifest         = errors.New("cannot reach update server")
	ErrDownload         = errors.New("download failed")
	ErrBackup           = errors.New("backup failed")
	ErrWrite            = errors.New("write failed")
	ErrLedger           = errors.New("ledger update failed")
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidVersion, KindValidation},
	{ErrUnsafePath, KindValidation},
	{ErrMissingParameter, KindValidation},
	{ErrEmptyFileList, KindValidation},
	{ErrOutOfOrder, KindSequencing},
	{ErrAlreadyApplied, KindSequencing},
	{ErrManifest, KindTransport},
	{ErrDownload, KindTransport},
	{ErrBackup, KindFilesystem},
	{ErrWrite, KindFilesystem},
	{ErrLedger, KindFilesystem},
}

// Error is a classified failure of one operation.
type Error struct {
	Kind    Kind
	Op      string
	Version string
	Path    string
	// BackupDir is set when files were already backed up before the failure.
	BackupDir string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Version != "" {
		b.WriteString(" " + e.Version)
	}
	if e.Path != "" {
		b.WriteString(": " + e.Path)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if e.BackupDir != "" {
		b.WriteString(" (backup in " + e.BackupDir + ")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err, deriving the kind from the first sentinel it matches.
func newError(op, version, path string, err error) *Error {
	return &Error{
		Kind:    kindFor(err),
		Op:      op,
		Version: version,
		Path:    path,
		Err:     err,
	}
}

func kindFor(err error) Kind {
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindFilesystem
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// MissingParameter reports an absent request parameter.
func MissingParameter(op, name string) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("%w: %s", ErrMissingParameter, name)}
}
