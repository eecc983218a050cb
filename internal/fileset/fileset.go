// Package fileset works with the plain-text lists and directory trees that
// make up a patch: newline-separated manifests, relative file paths, and the
// files they name on disk.
package fileset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ListFile is the per-version manifest naming the files of a patch.
const ListFile = "file_list.txt"

// ErrUnsafePath is returned for relative paths that could escape the target root.
var ErrUnsafePath = errors.New("unsafe file path")

// ParseList splits newline-separated text into trimmed, non-empty lines.
func ParseList(data []byte) []string {
	var items []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}

// FormatList joins items one per line with a trailing newline.
func FormatList(items []string) []byte {
	if len(items) == 0 {
		return nil
	}
	return []byte(strings.Join(items, "\n") + "\n")
}

// CheckPath rejects relative paths containing "..", a backslash, or an
// absolute prefix. It never touches the filesystem.
func CheckPath(rel string) error {
	switch {
	case rel == "":
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	case strings.Contains(rel, ".."):
		return fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	case strings.Contains(rel, `\`):
		return fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	case strings.HasPrefix(rel, "/") || filepath.IsAbs(rel):
		return fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return nil
}

// CheckPaths applies CheckPath to every entry and returns the first failure.
func CheckPaths(rels []string) error {
	for _, rel := range rels {
		if err := CheckPath(rel); err != nil {
			return err
		}
	}
	return nil
}

// Scan returns every regular file under root as a slash-separated path
// relative to root, sorted. Top-level entries named in exclude are skipped.
func Scan(root string, exclude ...string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if slices.Contains(exclude, rel) {
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(files)
	return files, nil
}

// Join resolves a slash-separated relative path under root.
func Join(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// WriteFile writes data to dst through a temp file in the same directory and
// an atomic rename, creating parent directories as needed. When dst already
// exists its permissions are kept; otherwise perm is used.
func WriteFile(dst string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if info, err := os.Stat(dst); err == nil {
		perm = info.Mode().Perm()
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".patchd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// CopyFile copies src to dst verbatim, preserving the source permissions.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
