package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
	"github.com/kilndev/kiln/internal/store"
)

// fakeManaged is a ManagedContainers with scripted tmux output.
type fakeManaged struct {
	infos     []container.Info
	destroyed []string
	muxByCtr  map[string][]string
	killedMux []string
	slowMux   map[string]bool
}

func (f *fakeManaged) ListManaged(ctx context.Context) ([]container.Info, error) {
	return f.infos, nil
}

func (f *fakeManaged) Inspect(ctx context.Context, id string) (*container.Info, error) {
	for i := range f.infos {
		if f.infos[i].ID == id {
			return &f.infos[i], nil
		}
	}
	return nil, container.ErrNotFound
}

func (f *fakeManaged) Destroy(ctx context.Context, id string) {
	f.destroyed = append(f.destroyed, id)
}

func (f *fakeManaged) RunExec(ctx context.Context, id string, argv []string) (*container.ExecResult, error) {
	cmd := strings.Join(argv, " ")
	if strings.Contains(cmd, "list-sessions") {
		names, ok := f.muxByCtr[id]
		if !ok {
			return &container.ExecResult{ExitCode: 1, Stderr: "no server running"}, nil
		}
		return &container.ExecResult{Stdout: strings.Join(names, "\n") + "\n"}, nil
	}
	if strings.Contains(cmd, "kill-session") {
		name := argv[len(argv)-1]
		if f.slowMux[name] {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.killedMux = append(f.killedMux, name)
	}
	return &container.ExecResult{}, nil
}

type fakePruner struct {
	pruned []string
}

func (f *fakePruner) Prune(ctx context.Context, envID string) error {
	f.pruned = append(f.pruned, envID)
	return nil
}

func janitorFixture(t *testing.T) (*Janitor, store.Store, *fakeManaged, *fakePruner) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	managed := &fakeManaged{muxByCtr: map[string][]string{}}
	pruner := &fakePruner{}
	j := NewJanitor(st, managed, pruner, nil, time.Minute, log)
	return j, st, managed, pruner
}

func seedSession(t *testing.T, st store.Store, containerID, muxName string) *store.Session {
	t.Helper()
	ctx := context.Background()

	env := &store.Environment{
		ID:            uuid.NewString(),
		UserID:        uuid.NewString(),
		Name:          "env-" + uuid.NewString()[:8],
		DefaultBranch: "main",
		Status:        store.EnvStatusReady,
	}
	require.NoError(t, st.CreateEnvironment(ctx, env))

	sess := &store.Session{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		Name:          "work",
		PtyMuxName:    muxName,
		Status:        store.SessionStatusActive,
		ContainerID:   containerID,
		GitBranch:     "main",
		SessionType:   store.SessionTypeShell,
	}
	require.NoError(t, st.CreateSession(ctx, sess))
	if containerID != "" {
		require.NoError(t, st.UpdateSessionContainer(ctx, sess.ID, containerID, store.SessionStatusActive))
	}
	return sess
}

func TestSweepMarksDeadWhenContainerGone(t *testing.T) {
	j, st, _, _ := janitorFixture(t)
	sess := seedSession(t, st, "vanished", "work-1")

	j.Sweep(context.Background())

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
}

func TestSweepMarksDeadWhenContainerStopped(t *testing.T) {
	j, st, managed, _ := janitorFixture(t)
	sess := seedSession(t, st, "ctr-1", "work-1")
	managed.infos = []container.Info{{
		ID: "ctr-1", Running: false,
		Labels: map[string]string{container.LabelSession: sess.ID},
	}}

	j.Sweep(context.Background())

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
}

func TestSweepLeavesHealthySessionAlone(t *testing.T) {
	j, st, managed, _ := janitorFixture(t)
	sess := seedSession(t, st, "ctr-1", "work-1")
	managed.infos = []container.Info{{
		ID: "ctr-1", Running: true,
		Labels: map[string]string{container.LabelSession: sess.ID},
	}}

	j.Sweep(context.Background())

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusActive, got.Status)
	assert.Empty(t, managed.destroyed)
}

func TestSweepReapsOrphanContainer(t *testing.T) {
	j, _, managed, _ := janitorFixture(t)
	managed.infos = []container.Info{{
		ID: "orphan", Running: true,
		Labels: map[string]string{container.LabelSession: "deleted-session"},
	}}

	j.Sweep(context.Background())

	assert.Equal(t, []string{"orphan"}, managed.destroyed)
}

func TestSweepKillsOrphanMuxSessions(t *testing.T) {
	j, st, managed, _ := janitorFixture(t)
	sess := seedSession(t, st, "ctr-1", "work-1")
	managed.infos = []container.Info{{
		ID: "ctr-1", Running: true,
		Labels: map[string]string{container.LabelSession: sess.ID},
	}}
	managed.muxByCtr["ctr-1"] = []string{"work-1", "stale-mux"}

	j.Sweep(context.Background())

	assert.Equal(t, []string{"stale-mux"}, managed.killedMux, "referenced mux sessions must survive")
}

func TestSweepSurvivesHungMuxKill(t *testing.T) {
	old := muxExecTimeout
	muxExecTimeout = 50 * time.Millisecond
	t.Cleanup(func() { muxExecTimeout = old })

	j, st, managed, _ := janitorFixture(t)
	sess := seedSession(t, st, "ctr-1", "work-1")
	managed.infos = []container.Info{{
		ID: "ctr-1", Running: true,
		Labels: map[string]string{container.LabelSession: sess.ID},
	}}
	managed.muxByCtr["ctr-1"] = []string{"work-1", "hung-mux", "stale-mux"}
	managed.slowMux = map[string]bool{"hung-mux": true}

	j.Sweep(context.Background())

	assert.Equal(t, []string{"stale-mux"}, managed.killedMux,
		"a kill that eats its whole deadline must not starve the remaining orphans")
}

func TestSweepPrunesBareClones(t *testing.T) {
	j, st, managed, pruner := janitorFixture(t)
	sess := seedSession(t, st, "ctr-1", "work-1")
	managed.infos = []container.Info{{
		ID: "ctr-1", Running: true,
		Labels: map[string]string{container.LabelSession: sess.ID},
	}}

	j.Sweep(context.Background())

	assert.Equal(t, []string{sess.EnvironmentID}, pruner.pruned)
}

func TestJanitorNeverResurrects(t *testing.T) {
	j, st, managed, _ := janitorFixture(t)
	sess := seedSession(t, st, "vanished", "work-1")

	j.Sweep(context.Background())
	j.Sweep(context.Background())

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
	assert.Empty(t, managed.destroyed, "dead session containers are gone, nothing to destroy")
}
