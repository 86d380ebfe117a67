// Package repocache maintains one bare git clone per environment on the
// host. The bare clone is what gets mounted read-write into session
// containers; worktrees are always created inside containers, never here.
package repocache

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
)

const cloneTimeout = 10 * time.Minute

// GitRunner executes a git command in dir and returns its combined output.
// The default runner shells out to the git binary; tests substitute a fake.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Cache manages bare clones under <data_root>/repos/<env_id>.
// Concurrent operations on the same environment are collapsed into one.
type Cache struct {
	dataRoot string
	runner   GitRunner
	log      *logger.Logger
	group    singleflight.Group
}

// NewCache creates a cache rooted at dataRoot.
func NewCache(dataRoot string, log *logger.Logger) *Cache {
	return &Cache{
		dataRoot: dataRoot,
		runner:   execRunner{},
		log:      log,
	}
}

// WithRunner overrides the git runner. Used by tests.
func (c *Cache) WithRunner(r GitRunner) *Cache {
	c.runner = r
	return c
}

// Path returns the host path of the environment's bare clone without
// touching the filesystem.
func (c *Cache) Path(envID string) string {
	return filepath.Join(c.dataRoot, "repos", envID)
}

// Ensure makes sure a valid bare clone with at least one local branch exists
// for the environment and returns its host path. It is idempotent: a missing
// directory is cloned, a partial directory (no git config) is removed and
// re-cloned, and an empty clone gets one branch fetch. Concurrent calls for
// the same environment share one clone attempt.
func (c *Cache) Ensure(ctx context.Context, envID, repoURL string) (string, error) {
	v, err, _ := c.group.Do("ensure:"+envID, func() (any, error) {
		return c.ensure(ctx, envID, repoURL)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) ensure(ctx context.Context, envID, repoURL string) (string, error) {
	path := c.Path(envID)

	if !isBareRepo(path) {
		if _, err := os.Stat(path); err == nil {
			// partial clone left over from an interrupted run
			c.log.Warn("Removing partial bare clone",
				zap.String("environment_id", envID), zap.String("path", path))
			if err := os.RemoveAll(path); err != nil {
				return "", apperrors.RepoUnavailable(repoURL, err)
			}
		}
		if err := c.clone(ctx, repoURL, path); err != nil {
			return "", err
		}
	}

	branches, err := c.localBranches(ctx, path)
	if err != nil {
		return "", apperrors.RepoUnavailable(repoURL, err)
	}
	if len(branches) == 0 {
		if err := c.fetchBranches(ctx, path); err != nil {
			return "", apperrors.RepoUnavailable(repoURL, err)
		}
	}
	return path, nil
}

// Fetch refreshes local branches from the remote. Network failures are
// logged and swallowed; the cached refs keep serving.
func (c *Cache) Fetch(ctx context.Context, envID string) {
	_, _, _ = c.group.Do("fetch:"+envID, func() (any, error) {
		path := c.Path(envID)
		if !isBareRepo(path) {
			return nil, nil
		}
		if err := c.fetchBranches(ctx, path); err != nil {
			c.log.Warn("Repo fetch failed",
				zap.String("environment_id", envID), zap.Error(err))
		}
		return nil, nil
	})
}

// Prune drops worktree registrations whose checkout directory no longer
// exists. The janitor calls this on its sweep.
func (c *Cache) Prune(ctx context.Context, envID string) error {
	path := c.Path(envID)
	if !isBareRepo(path) {
		return nil
	}
	_, err := c.runner.Run(ctx, path, "worktree", "prune")
	return err
}

func (c *Cache) clone(ctx context.Context, repoURL, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.RepoUnavailable(repoURL, err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	c.log.Info("Cloning repository", zap.String("url", repoURL), zap.String("path", path))
	if out, err := c.runner.Run(cloneCtx, "", "clone", "--bare", repoURL, path); err != nil {
		// never leave a half-written clone behind
		_ = os.RemoveAll(path)
		return apperrors.RepoUnavailable(repoURL, fmt.Errorf("%w: %s", err, strings.TrimSpace(out)))
	}

	if err := c.fetchBranches(cloneCtx, path); err != nil {
		_ = os.RemoveAll(path)
		return apperrors.RepoUnavailable(repoURL, err)
	}
	return nil
}

func (c *Cache) fetchBranches(ctx context.Context, path string) error {
	out, err := c.runner.Run(ctx, path, "fetch", "origin", "+refs/heads/*:refs/heads/*")
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

func (c *Cache) localBranches(ctx context.Context, path string) ([]string, error) {
	out, err := c.runner.Run(ctx, path, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

func isBareRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, "config"))
	return err == nil && !info.IsDir()
}
