package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Client provides the git operations used to publish update packages
type Client interface {
	// StagedFiles lists paths staged in the index of the repository at dir
	StagedFiles(ctx context.Context, dir string) ([]string, error)
	// IsRepo reports whether dir is inside a git work tree
	IsRepo(ctx context.Context, dir string) bool
	// CommitAll stages everything under dir and commits it. It reports
	// whether a commit was made and pushes it when push is set.
	CommitAll(ctx context.Context, dir, message string, push bool) (bool, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// StagedFiles runs "git diff --cached --name-only" in dir
func (c *ShellClient) StagedFiles(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--cached", "--name-only")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --cached failed: %w", commandError(err))
	}

	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// IsRepo reports whether dir is inside a git work tree
func (c *ShellClient) IsRepo(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	output, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// CommitAll runs "git add ." and commits when anything is staged
func (c *ShellClient) CommitAll(ctx context.Context, dir, message string, push bool) (bool, error) {
	if err := c.runCommand(exec.CommandContext(ctx, "git", "-C", dir, "add", ".")); err != nil {
		return false, fmt.Errorf("git add failed: %w", err)
	}

	// Exit status 1 means the index differs from HEAD.
	err := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--cached", "--quiet").Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		return false, fmt.Errorf("git diff --cached failed: %w", err)
	}

	if err := c.runCommand(exec.CommandContext(ctx, "git", "-C", dir, "commit", "-m", message)); err != nil {
		return false, fmt.Errorf("git commit failed: %w", err)
	}

	if !push {
		return true, nil
	}

	url, err := c.remoteURL(ctx, dir)
	if err != nil {
		return true, err
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push")
	if err := c.configureAuth(cmd, url); err != nil {
		return true, err
	}
	if err := c.runCommand(cmd); err != nil {
		return true, fmt.Errorf("git push failed: %w", err)
	}
	return true, nil
}

// remoteURL returns the URL of the origin remote, used to pick credentials
func (c *ShellClient) remoteURL(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git remote get-url failed: %w", commandError(err))
	}
	return strings.TrimSpace(string(output)), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The key path is shell-quoted since GIT_SSH_COMMAND is run by a shell.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and is read back by an
		// inline credential helper.
		cmd.Env = append(cmd.Env,
			"GIT_TERMINAL_PROMPT=0",
			"PATCHD_GIT_TOKEN="+strings.TrimSpace(string(token)),
		)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$PATCHD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before any other argument.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// commandError appends captured stderr from an *exec.ExitError
func commandError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return err
}
