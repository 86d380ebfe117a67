package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
	"github.com/kilndev/kiln/internal/store"
)

type fakeRepoCache struct {
	ensured []string
	fail    error
}

func (f *fakeRepoCache) Ensure(ctx context.Context, envID, repoURL string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.ensured = append(f.ensured, envID)
	return "/data/repos/" + envID, nil
}

// fakeContainers tracks containers by id and by deterministic name.
type fakeContainers struct {
	running    map[string]bool // id -> running
	names      map[string]string // name -> id
	nextID     int
	created    int
	destroyed  []string
	failCreate error
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{running: map[string]bool{}, names: map[string]string{}}
}

func (f *fakeContainers) add(name string, isRunning bool) string {
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.running[id] = isRunning
	if name != "" {
		f.names[name] = id
	}
	return id
}

func (f *fakeContainers) Create(ctx context.Context, spec container.Spec) (string, error) {
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.created++
	return f.add(container.Name(spec.EnvironmentName, spec.SessionName, spec.SessionID), true), nil
}

func (f *fakeContainers) EnsureRunning(ctx context.Context, id string) error {
	if _, ok := f.running[id]; !ok {
		return apperrors.ContainerGone(id)
	}
	f.running[id] = true
	return nil
}

func (f *fakeContainers) ReuseByName(ctx context.Context, name string) (string, error) {
	id, ok := f.names[name]
	if !ok {
		return "", nil
	}
	if f.running[id] {
		return id, nil
	}
	delete(f.running, id)
	delete(f.names, name)
	f.destroyed = append(f.destroyed, id)
	return "", nil
}

func (f *fakeContainers) Destroy(ctx context.Context, id string) {
	delete(f.running, id)
	for name, nid := range f.names {
		if nid == id {
			delete(f.names, name)
		}
	}
	f.destroyed = append(f.destroyed, id)
}

func (f *fakeContainers) Inspect(ctx context.Context, id string) (*container.Info, error) {
	isRunning, ok := f.running[id]
	if !ok {
		return nil, container.ErrNotFound
	}
	return &container.Info{ID: id, Running: isRunning}, nil
}

type fakeWorktrees struct {
	ensured []string // "containerID:branch"
	fail    error
}

func (f *fakeWorktrees) EnsureWorktree(ctx context.Context, containerID, envID, branch string) error {
	if f.fail != nil {
		return f.fail
	}
	f.ensured = append(f.ensured, containerID+":"+branch)
	return nil
}

type fixture struct {
	store      store.Store
	repos      *fakeRepoCache
	containers *fakeContainers
	worktrees  *fakeWorktrees
	reconciler *Reconciler
	env        *store.Environment
	session    *store.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	ctx := context.Background()

	user := &store.User{ID: uuid.NewString(), Name: "tester"}
	require.NoError(t, st.CreateUser(ctx, user))

	env := &store.Environment{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Name:          "my-api",
		RepositoryURL: "https://example.com/repo.git",
		DefaultBranch: "main",
		Status:        store.EnvStatusReady,
	}
	require.NoError(t, st.CreateEnvironment(ctx, env))

	sess := &store.Session{
		ID:               uuid.NewString(),
		EnvironmentID:    env.ID,
		Name:             "feat",
		PtyMuxName:       "feat-123",
		WorkingDirectory: "/workspace",
		Status:           store.SessionStatusInactive,
		GitBranch:        "feat",
		SessionType:      store.SessionTypeShell,
	}
	require.NoError(t, st.CreateSession(ctx, sess))

	f := &fixture{
		store:      st,
		repos:      &fakeRepoCache{},
		containers: newFakeContainers(),
		worktrees:  &fakeWorktrees{},
		env:        env,
		session:    sess,
	}
	f.reconciler = NewReconciler(st, f.repos, f.containers, f.worktrees, nil, log)
	return f
}

func (f *fixture) expectedName() string {
	return container.Name(f.env.Name, f.session.Name, f.session.ID)
}

func TestFreshCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, []string{f.env.ID}, f.repos.ensured)
	assert.Equal(t, []string{id + ":feat"}, f.worktrees.ensured)

	got, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got.ContainerID)
	assert.Equal(t, store.SessionStatusActive, got.Status)
}

func TestIdempotentReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, f.containers.created, "repeat reconciles must not create more containers")
}

func TestRestartsStoppedContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)

	f.containers.running[id] = false

	again, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.True(t, f.containers.running[id])
	assert.Equal(t, 1, f.containers.created)
}

func TestRecreatesAfterContainerLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)

	// force-kill: the runtime forgets the container entirely
	delete(f.containers.running, old)
	for name, id := range f.containers.names {
		if id == old {
			delete(f.containers.names, name)
		}
	}

	fresh, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)

	got, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh, got.ContainerID)
	assert.Equal(t, store.SessionStatusActive, got.Status)
}

func TestAdoptsContainerByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// pre-seed the runtime as if a crash lost the store write
	seeded := f.containers.add(f.expectedName(), true)

	id, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded, id)
	assert.Zero(t, f.containers.created, "adoption must not create a new container")

	got, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded, got.ContainerID)
}

func TestStoppedNamesakeIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.containers.add(f.expectedName(), false)

	id, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, stale, id)
	assert.Contains(t, f.containers.destroyed, stale)
	assert.Equal(t, 1, f.containers.created)
}

func TestFailureMarksSessionDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.containers.failCreate = apperrors.ImageMissing("kiln-sandbox:latest")

	_, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeImageMissing, apperrors.Code(err))

	got, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
	assert.Empty(t, got.ContainerID)
}

func TestWorktreeFailureDestroysFreshContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.worktrees.fail = apperrors.MountReadOnly("/repos/" + f.env.ID)

	_, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMountReadOnly, apperrors.Code(err))
	require.Len(t, f.containers.destroyed, 1, "the half-built container must not leak")

	got, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
}

func TestDeadSessionIsNotRevived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpdateSessionStatus(ctx, f.session.ID, store.SessionStatusDead))

	_, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.Error(t, err)
	assert.Zero(t, f.containers.created)
}

func TestCleanupSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.CleanupSession(ctx, f.session.ID))

	_, err = f.store.GetSession(ctx, f.session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, f.containers.destroyed, id)
	assert.NotContains(t, f.containers.running, id)
}

func TestCleanupThenEnsureStaysClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.CleanupSession(ctx, f.session.ID))

	_, err = f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
	assert.Empty(t, f.containers.running, "no container may survive cleanup")
}

func TestCleanupEnvironmentDestroysAllContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second := &store.Session{
		ID:            uuid.NewString(),
		EnvironmentID: f.env.ID,
		Name:          "main-work",
		PtyMuxName:    "main-work-123",
		Status:        store.SessionStatusInactive,
		GitBranch:     "main",
		SessionType:   store.SessionTypeShell,
	}
	require.NoError(t, f.store.CreateSession(ctx, second))

	id1, err := f.reconciler.EnsureSessionContainer(ctx, f.session.ID)
	require.NoError(t, err)
	id2, err := f.reconciler.EnsureSessionContainer(ctx, second.ID)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.CleanupEnvironment(ctx, f.env.ID))

	assert.Contains(t, f.containers.destroyed, id1)
	assert.Contains(t, f.containers.destroyed, id2)
	_, err = f.store.GetEnvironment(ctx, f.env.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	sessions, err := f.store.ListSessionsByEnvironment(ctx, f.env.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMissingRepositoryURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := &store.Environment{
		ID:            uuid.NewString(),
		UserID:        f.env.UserID,
		Name:          "no-repo",
		DefaultBranch: "main",
		Status:        store.EnvStatusReady,
	}
	require.NoError(t, f.store.CreateEnvironment(ctx, env))
	sess := &store.Session{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		Name:          "x",
		PtyMuxName:    "x-1",
		Status:        store.SessionStatusInactive,
		GitBranch:     "main",
		SessionType:   store.SessionTypeShell,
	}
	require.NoError(t, f.store.CreateSession(ctx, sess))

	_, err := f.reconciler.EnsureSessionContainer(ctx, sess.ID)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
}
