package repocache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
)

// fakeRunner records git invocations and scripts their results.
type fakeRunner struct {
	calls   [][]string
	results map[string]fakeResult

	// onClone makes the clone observable on disk, like real git would
	onClone func(path string)
}

type fakeResult struct {
	out string
	err error
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := args[0]
	if key == "clone" && f.onClone != nil {
		f.onClone(args[len(args)-1])
	}
	if r, ok := f.results[key]; ok {
		return r.out, r.err
	}
	return "", nil
}

func (f *fakeRunner) commands() []string {
	var cmds []string
	for _, c := range f.calls {
		cmds = append(cmds, c[0])
	}
	return cmds
}

func testCache(t *testing.T, runner *fakeRunner) *Cache {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewCache(t.TempDir(), log).WithRunner(runner)
}

func writeBareMarker(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "config"), []byte("[core]\n\tbare = true\n"), 0o644))
}

func TestEnsureClonesWhenMissing(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]fakeResult{"branch": {out: "main\n"}},
		onClone: func(path string) {
			os.MkdirAll(path, 0o755)
			os.WriteFile(filepath.Join(path, "config"), []byte("[core]\n"), 0o644)
		},
	}
	c := testCache(t, runner)

	path, err := c.Ensure(context.Background(), "env1", "https://example.com/repo.git")
	require.NoError(t, err)
	assert.Equal(t, c.Path("env1"), path)
	assert.Equal(t, []string{"clone", "fetch", "branch"}, runner.commands())
}

func TestEnsureIdempotentWhenPresent(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{"branch": {out: "main\nfeature/x\n"}}}
	c := testCache(t, runner)
	writeBareMarker(t, c.Path("env1"))

	_, err := c.Ensure(context.Background(), "env1", "https://example.com/repo.git")
	require.NoError(t, err)
	assert.Equal(t, []string{"branch"}, runner.commands(), "a healthy clone needs no git traffic beyond the branch listing")
}

func TestEnsureFetchesWhenNoBranches(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{"branch": {out: "\n"}}}
	c := testCache(t, runner)
	writeBareMarker(t, c.Path("env1"))

	_, err := c.Ensure(context.Background(), "env1", "https://example.com/repo.git")
	require.NoError(t, err)
	assert.Equal(t, []string{"branch", "fetch"}, runner.commands())
}

func TestEnsureCleansUpFailedClone(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]fakeResult{
			"clone": {out: "fatal: repository not found", err: errors.New("exit status 128")},
		},
		onClone: func(path string) { os.MkdirAll(path, 0o755) },
	}
	c := testCache(t, runner)

	_, err := c.Ensure(context.Background(), "env1", "https://example.com/missing.git")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRepoUnavailable, apperrors.Code(err))
	assert.True(t, strings.Contains(err.Error(), "example.com/missing.git"))

	_, statErr := os.Stat(c.Path("env1"))
	assert.True(t, os.IsNotExist(statErr), "partial clone directory must be removed")
}

func TestEnsureReclonesPartialDirectory(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]fakeResult{"branch": {out: "main\n"}},
		onClone: func(path string) {
			os.MkdirAll(path, 0o755)
			os.WriteFile(filepath.Join(path, "config"), []byte("[core]\n"), 0o644)
		},
	}
	c := testCache(t, runner)

	// directory exists but has no git config: a partial clone
	require.NoError(t, os.MkdirAll(filepath.Join(c.Path("env1"), "objects"), 0o755))

	_, err := c.Ensure(context.Background(), "env1", "https://example.com/repo.git")
	require.NoError(t, err)
	assert.Equal(t, "clone", runner.commands()[0])
}

func TestFetchSwallowsNetworkErrors(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]fakeResult{
			"fetch": {out: "fatal: unable to access", err: errors.New("exit status 128")},
		},
	}
	c := testCache(t, runner)
	writeBareMarker(t, c.Path("env1"))

	// must not panic or surface the error
	c.Fetch(context.Background(), "env1")
	assert.Equal(t, []string{"fetch"}, runner.commands())
}

func TestPruneSkipsMissingClone(t *testing.T) {
	runner := &fakeRunner{}
	c := testCache(t, runner)

	require.NoError(t, c.Prune(context.Background(), "env1"))
	assert.Empty(t, runner.calls)
}
