//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/patchd/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the patchd binary once and runs it against a throwaway
// installation root.
type Harness struct {
	t       *testing.T
	binary  string
	rootDir string
	cfgPath string
}

// NewHarness creates a harness with an empty installation root
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	tmp := t.TempDir()
	h := &Harness{
		t:       t,
		binary:  filepath.Join(tmp, "patchd"),
		rootDir: filepath.Join(tmp, "cms"),
		cfgPath: filepath.Join(tmp, "config.yaml"),
	}
	if err := os.MkdirAll(h.rootDir, 0o755); err != nil {
		t.Fatalf("create root dir: %v", err)
	}
	return h
}

// Build compiles ./cmd/patchd into the harness directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s", h.binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/patchd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// WriteConfig writes a config using the given mirrors in order plus any
// extra YAML appended verbatim.
func (h *Harness) WriteConfig(mirrors map[string]string, order []string, extra string) {
	h.t.Helper()

	var b strings.Builder
	b.WriteString("mirrors:\n")
	for _, name := range order {
		fmt.Fprintf(&b, "  - name: %s\n    url: %q\n", name, mirrors[name])
	}
	fmt.Fprintf(&b, "paths:\n  root_dir: %q\n", h.rootDir)
	b.WriteString("http:\n  timeout: 5s\n  connect_timeout: 2s\n")
	b.WriteString(extra)

	if err := os.WriteFile(h.cfgPath, []byte(b.String()), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes patchd with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append([]string{"--config", h.cfgPath, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("run failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes patchd and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Path resolves rel inside the installation root
func (h *Harness) Path(rel string) string {
	return filepath.Join(h.rootDir, filepath.FromSlash(rel))
}

// WriteFile writes a file inside the installation root
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	p := h.Path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a file inside the installation root
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(h.Path(rel))
	return string(data), err
}

// FileExists checks if a regular file exists inside the installation root
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(h.Path(rel))
	return err == nil && info.Mode().IsRegular()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
