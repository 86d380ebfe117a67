// Package worktree keeps the per-branch checkout at /workspace inside a
// session container consistent with the bare clone mounted at
// /repos/<env_id>. All git runs here happen inside the container.
package worktree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
)

const (
	// WorkspacePath is where every session's checkout lives.
	WorkspacePath = "/workspace"

	probeTimeout = 5 * time.Second
	gitTimeout   = 60 * time.Second
	fetchTimeout = 10 * time.Minute
)

// Execer runs a command to completion inside a container.
// *container.Manager satisfies it.
type Execer interface {
	RunExec(ctx context.Context, containerID string, argv []string) (*container.ExecResult, error)
}

// Coordinator creates, verifies, and heals worktrees inside containers.
type Coordinator struct {
	exec Execer
	log  *logger.Logger
}

// NewCoordinator creates a worktree coordinator.
func NewCoordinator(exec Execer, log *logger.Logger) *Coordinator {
	return &Coordinator{exec: exec, log: log}
}

// EnsureWorktree makes /workspace a checkout of branch rooted at the bare
// clone mounted at /repos/<envID>. It self-heals stale registrations left
// behind by container restarts and is safe to call repeatedly.
func (c *Coordinator) EnsureWorktree(ctx context.Context, containerID, envID, branch string) error {
	repoPath := container.RepoMountTarget(envID)

	if err := c.preflight(ctx, containerID, repoPath); err != nil {
		return err
	}

	current, err := c.currentBranch(ctx, containerID)
	if err == nil && current == branch {
		return nil
	}

	if err := c.reset(ctx, containerID, repoPath); err != nil {
		return err
	}

	branches, err := c.localBranches(ctx, containerID, repoPath)
	if err != nil {
		return err
	}
	if len(branches) == 0 {
		if err := c.fetch(ctx, containerID, repoPath); err != nil {
			return err
		}
		if branches, err = c.localBranches(ctx, containerID, repoPath); err != nil {
			return err
		}
		if len(branches) == 0 {
			return apperrors.BranchNotFoundAndNoDefault(branch)
		}
	}

	if err := c.checkout(ctx, containerID, repoPath, branch, branches); err != nil {
		return err
	}

	return c.postflight(ctx, containerID, repoPath)
}

// preflight verifies the bare clone is mounted and writable. A read-only
// mount is the most common misconfiguration, so the diagnostic names the
// mount path.
func (c *Coordinator) preflight(ctx context.Context, containerID, repoPath string) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := c.exec.RunExec(probeCtx, containerID,
		[]string{"git", "-C", repoPath, "rev-parse", "--is-bare-repository"})
	if err != nil {
		return apperrors.RuntimeFailure("exec", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "true" {
		return apperrors.MountMissing(repoPath)
	}

	probe := repoPath + "/.write-probe"
	res, err = c.exec.RunExec(probeCtx, containerID,
		[]string{"sh", "-c", fmt.Sprintf("touch %s && rm -f %s", probe, probe)})
	if err != nil {
		return apperrors.RuntimeFailure("exec", err)
	}
	if res.ExitCode != 0 {
		return mapFilesystemError(res.Stderr, repoPath)
	}
	return nil
}

func (c *Coordinator) currentBranch(ctx context.Context, containerID string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := c.exec.RunExec(probeCtx, containerID,
		[]string{"git", "-C", WorkspacePath, "branch", "--show-current"})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("no worktree at %s", WorkspacePath)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// reset clears /workspace and unregisters any stale worktree pointing at
// it. Container restarts can leave the registration alive after the
// directory is gone; without the prune the next add fails.
func (c *Coordinator) reset(ctx context.Context, containerID, repoPath string) error {
	gitCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	res, err := c.exec.RunExec(gitCtx, containerID,
		[]string{"sh", "-c", "find " + WorkspacePath + " -mindepth 1 -delete"})
	if err != nil {
		return apperrors.RuntimeFailure("exec", err)
	}
	if res.ExitCode != 0 {
		if mapped := mapFilesystemError(res.Stderr, WorkspacePath); mapped != nil {
			return mapped
		}
	}

	// both are best-effort: there may be nothing registered
	_, _ = c.exec.RunExec(gitCtx, containerID,
		[]string{"git", "-C", repoPath, "worktree", "remove", "--force", WorkspacePath})
	_, _ = c.exec.RunExec(gitCtx, containerID,
		[]string{"git", "-C", repoPath, "worktree", "prune"})
	return nil
}

func (c *Coordinator) localBranches(ctx context.Context, containerID, repoPath string) ([]string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := c.exec.RunExec(probeCtx, containerID,
		[]string{"git", "-C", repoPath, "branch", "--format=%(refname:short)"})
	if err != nil {
		return nil, apperrors.RuntimeFailure("exec", err)
	}
	if res.ExitCode != 0 {
		return nil, apperrors.GitFailure("branch", fmt.Errorf("%s", strings.TrimSpace(res.Stderr)))
	}

	var branches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

func (c *Coordinator) fetch(ctx context.Context, containerID, repoPath string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	res, err := c.exec.RunExec(fetchCtx, containerID,
		[]string{"git", "-C", repoPath, "fetch", "origin", "+refs/heads/*:refs/heads/*"})
	if err != nil {
		return apperrors.RuntimeFailure("exec", err)
	}
	if res.ExitCode != 0 {
		return apperrors.GitFailure("fetch", fmt.Errorf("%s", strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (c *Coordinator) checkout(ctx context.Context, containerID, repoPath, branch string, branches []string) error {
	gitCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	var argv []string
	if contains(branches, branch) {
		argv = []string{"git", "-C", repoPath, "worktree", "add", WorkspacePath, branch}
	} else {
		base := defaultBranch(branches)
		c.log.Info("Branch not in bare clone, creating from default",
			zap.String("branch", branch), zap.String("base", base))
		argv = []string{"git", "-C", repoPath, "worktree", "add", "-b", branch, WorkspacePath, base}
	}

	res, err := c.exec.RunExec(gitCtx, containerID, argv)
	if err != nil {
		return apperrors.RuntimeFailure("exec", err)
	}
	if res.ExitCode != 0 {
		if mapped := mapFilesystemError(res.Stderr, repoPath); mapped != nil {
			return mapped
		}
		return apperrors.GitFailure("worktree add", fmt.Errorf("%s", strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (c *Coordinator) postflight(ctx context.Context, containerID, repoPath string) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := c.exec.RunExec(probeCtx, containerID,
		[]string{"git", "-C", WorkspacePath, "status", "--porcelain"})
	if err != nil {
		return apperrors.RuntimeFailure("exec", err)
	}
	if stderr := filterBenignStderr(res.Stderr); res.ExitCode != 0 || stderr != "" {
		if mapped := mapFilesystemError(res.Stderr, repoPath); mapped != nil {
			return mapped
		}
		return apperrors.GitFailure("status", fmt.Errorf("%s", stderr))
	}
	return nil
}

// defaultBranch picks the checkout base when the requested branch does not
// exist yet: main, then master, then whatever is listed first.
func defaultBranch(branches []string) string {
	for _, preferred := range []string{"main", "master"} {
		if contains(branches, preferred) {
			return preferred
		}
	}
	return branches[0]
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// mapFilesystemError translates well-known git/shell stderr into typed
// errors; returns nil when the output matches none of them.
func mapFilesystemError(stderr, path string) error {
	switch {
	case strings.Contains(stderr, "Read-only file system"):
		return apperrors.MountReadOnly(path)
	case strings.Contains(stderr, "No space left"):
		return apperrors.DiskFull(path)
	case strings.Contains(stderr, "Permission denied"):
		return apperrors.MountPermissionDenied(path)
	}
	return nil
}

// filterBenignStderr drops git chatter that is not an error: progress
// lines and the worktree add banner.
func filterBenignStderr(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "Preparing worktree"):
		case strings.HasPrefix(trimmed, "Updating files"):
		case strings.HasPrefix(trimmed, "HEAD is now at"):
		case strings.Contains(trimmed, "%"):
		default:
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}
