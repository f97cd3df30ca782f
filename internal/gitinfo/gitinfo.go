// Package gitinfo shells out to git for lightweight repository queries. The
// daemon reports the branch of a session's working directory so clients can
// decorate pane titles; lookups are best-effort and bounded by a timeout.
package gitinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const lookupTimeout = 2 * time.Second

// Branch returns the current branch name of the repository containing dir,
// or "" if dir is not inside a work tree. Detached HEAD reports the short
// commit hash.
func Branch(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		if notARepo(err) {
			return "", nil
		}
		return "", fmt.Errorf("git rev-parse in %s: %w", dir, err)
	}

	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		// Detached: fall back to the short hash.
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--short", "HEAD")
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("git rev-parse --short in %s: %w", dir, err)
		}
		return strings.TrimSpace(string(out)), nil
	}
	return branch, nil
}

// IsRepository reports whether dir is inside a git work tree.
func IsRepository(ctx context.Context, dir string) bool {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func notARepo(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	return strings.Contains(string(exitErr.Stderr), "not a git repository")
}
