package worktree

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
)

// fakeExecer scripts results by matching a substring of the joined argv.
type fakeExecer struct {
	results map[string]*container.ExecResult
	calls   []string
}

func (f *fakeExecer) RunExec(ctx context.Context, containerID string, argv []string) (*container.ExecResult, error) {
	cmd := strings.Join(argv, " ")
	f.calls = append(f.calls, cmd)
	for key, res := range f.results {
		if strings.Contains(cmd, key) {
			return res, nil
		}
	}
	return &container.ExecResult{}, nil
}

func (f *fakeExecer) called(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func ok(stdout string) *container.ExecResult {
	return &container.ExecResult{Stdout: stdout}
}

func fail(stderr string) *container.ExecResult {
	return &container.ExecResult{Stderr: stderr, ExitCode: 1}
}

func testCoordinator(t *testing.T, exec Execer) *Coordinator {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewCoordinator(exec, log)
}

// healthy preflight plus a branch listing
func baseResults(branches string) map[string]*container.ExecResult {
	return map[string]*container.ExecResult{
		"rev-parse --is-bare-repository": ok("true\n"),
		"branch --format":                ok(branches),
	}
}

func TestFastPathSkipsReset(t *testing.T) {
	exec := &fakeExecer{results: baseResults("main\n")}
	exec.results["branch --show-current"] = ok("feature/x\n")

	c := testCoordinator(t, exec)
	require.NoError(t, c.EnsureWorktree(context.Background(), "ctr", "env1", "feature/x"))
	assert.False(t, exec.called("worktree add"))
	assert.False(t, exec.called("-delete"))
}

func TestCreatesWorktreeForExistingBranch(t *testing.T) {
	exec := &fakeExecer{results: baseResults("main\nfeature/x\n")}
	exec.results["branch --show-current"] = fail("fatal: not a git repository")

	c := testCoordinator(t, exec)
	require.NoError(t, c.EnsureWorktree(context.Background(), "ctr", "env1", "feature/x"))
	assert.True(t, exec.called("worktree add /workspace feature/x"))
	assert.True(t, exec.called("worktree prune"), "stale registrations must be pruned before add")
}

func TestCreatesBranchFromDefault(t *testing.T) {
	exec := &fakeExecer{results: baseResults("master\ndev\n")}
	exec.results["branch --show-current"] = fail("fatal: not a git repository")

	c := testCoordinator(t, exec)
	require.NoError(t, c.EnsureWorktree(context.Background(), "ctr", "env1", "feature/new"))
	assert.True(t, exec.called("worktree add -b feature/new /workspace master"))
}

func TestEmptyCloneFetchesOnce(t *testing.T) {
	exec := &fakeExecer{results: baseResults("")}
	exec.results["branch --show-current"] = fail("fatal: not a git repository")

	c := testCoordinator(t, exec)
	err := c.EnsureWorktree(context.Background(), "ctr", "env1", "feature/x")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBranchNotFound, apperrors.Code(err))
	assert.True(t, exec.called("fetch origin"))
}

func TestMissingMount(t *testing.T) {
	exec := &fakeExecer{results: map[string]*container.ExecResult{
		"rev-parse --is-bare-repository": fail("fatal: not a git repository: '/repos/env1'"),
	}}

	c := testCoordinator(t, exec)
	err := c.EnsureWorktree(context.Background(), "ctr", "env1", "main")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMountMissing, apperrors.Code(err))
}

func TestReadOnlyMount(t *testing.T) {
	exec := &fakeExecer{results: map[string]*container.ExecResult{
		"rev-parse --is-bare-repository": ok("true\n"),
		"touch":                          fail("touch: /repos/env1/.write-probe: Read-only file system"),
	}}

	c := testCoordinator(t, exec)
	err := c.EnsureWorktree(context.Background(), "ctr", "env1", "main")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMountReadOnly, apperrors.Code(err))
	assert.Contains(t, err.Error(), "/repos/env1")
	assert.Contains(t, err.Error(), "read-write")
	assert.False(t, exec.called("worktree add"), "must fail before any worktree mutation")
}

func TestPermissionDeniedMount(t *testing.T) {
	exec := &fakeExecer{results: map[string]*container.ExecResult{
		"rev-parse --is-bare-repository": ok("true\n"),
		"touch":                          fail("touch: cannot touch '/repos/env1/.write-probe': Permission denied"),
	}}

	c := testCoordinator(t, exec)
	err := c.EnsureWorktree(context.Background(), "ctr", "env1", "main")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMountPermission, apperrors.Code(err))
}

func TestDiskFullOnCheckout(t *testing.T) {
	exec := &fakeExecer{results: baseResults("main\n")}
	exec.results["branch --show-current"] = fail("fatal: not a git repository")
	exec.results["worktree add"] = fail("fatal: could not create work tree: No space left on device")

	c := testCoordinator(t, exec)
	err := c.EnsureWorktree(context.Background(), "ctr", "env1", "main")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDiskFull, apperrors.Code(err))
}

func TestPostflightFailureIsFatal(t *testing.T) {
	exec := &fakeExecer{results: baseResults("main\n")}
	exec.results["branch --show-current"] = fail("fatal: not a git repository")
	exec.results["status --porcelain"] = fail("fatal: this operation must be run in a work tree")

	c := testCoordinator(t, exec)
	err := c.EnsureWorktree(context.Background(), "ctr", "env1", "main")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeGitFailure, apperrors.Code(err))
}

func TestFilterBenignStderr(t *testing.T) {
	stderr := "Preparing worktree (checking out 'main')\nUpdating files: 100% (3/3), done.\nHEAD is now at abc123 initial\n"
	assert.Empty(t, filterBenignStderr(stderr))

	assert.Equal(t, "fatal: bad revision", filterBenignStderr("Preparing worktree\nfatal: bad revision\n"))
}
