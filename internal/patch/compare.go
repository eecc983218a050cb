package patch

import (
	"slices"
	"strings"

	"github.com/schaermu/patchd/internal/version"
)

// Entry statuses.
const (
	StatusInstalled = "installed"
	StatusNew       = "new"
)

// Entry describes one remote version relative to the ledger.
type Entry struct {
	Version    string `json:"version"`
	Applied    bool   `json:"applied"`
	CanInstall bool   `json:"can_install"`
	Status     string `json:"status"`
	UpdateTime string `json:"update_time"`
}

// CanInstall reports whether v may be installed next given the applied set:
// always when nothing is applied, otherwise only when v is newer than every
// applied version or is itself already applied.
func CanInstall(applied []string, v string) bool {
	if len(applied) == 0 {
		return true
	}
	return v > version.Latest(applied) || slices.Contains(applied, v)
}

// Compare annotates every remote version against applied and returns the
// entries newest first. Blank and duplicate remote entries are dropped.
func Compare(remote, applied []string) []Entry {
	versions := make([]string, 0, len(remote))
	for _, v := range remote {
		if v = strings.TrimSpace(v); v != "" {
			versions = append(versions, v)
		}
	}
	versions = version.SortedUnique(versions)
	slices.Reverse(versions)

	entries := make([]Entry, 0, len(versions))
	for _, v := range versions {
		isApplied := slices.Contains(applied, v)
		e := Entry{
			Version:    v,
			Applied:    isApplied,
			CanInstall: !isApplied && CanInstall(applied, v),
			Status:     StatusNew,
			UpdateTime: version.Display(v),
		}
		if isApplied {
			e.Status = StatusInstalled
		}
		entries = append(entries, e)
	}
	return entries
}

// Pending returns the entries not yet applied, preserving order.
func Pending(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if !e.Applied {
			out = append(out, e)
		}
	}
	return out
}
