package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
	"github.com/kilndev/kiln/internal/events/bus"
	"github.com/kilndev/kiln/internal/store"
)

// ManagedContainers is the runtime surface the janitor sweeps over.
// *container.Manager satisfies it.
type ManagedContainers interface {
	ListManaged(ctx context.Context) ([]container.Info, error)
	Inspect(ctx context.Context, containerID string) (*container.Info, error)
	Destroy(ctx context.Context, containerID string)
	RunExec(ctx context.Context, containerID string, argv []string) (*container.ExecResult, error)
}

// Pruner drops stale worktree registrations from a bare clone.
// *repocache.Cache satisfies it.
type Pruner interface {
	Prune(ctx context.Context, envID string) error
}

// Janitor periodically reconciles the store against the runtime: sessions
// whose container is gone are marked dead, containers whose session is
// gone are removed, pty-mux sessions nobody references are killed, and
// bare clones are pruned. It never creates containers and never
// resurrects rows; errors are logged and the sweep continues.
type Janitor struct {
	store      store.Store
	containers ManagedContainers
	pruner     Pruner
	events     bus.EventBus
	log        *logger.Logger
	interval   time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewJanitor creates a janitor sweeping at the given interval.
func NewJanitor(st store.Store, containers ManagedContainers, pruner Pruner, events bus.EventBus, interval time.Duration, log *logger.Logger) *Janitor {
	return &Janitor{
		store:      st,
		containers: containers,
		pruner:     pruner,
		events:     events,
		log:        log,
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (j *Janitor) Start() {
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				j.Sweep(context.Background())
			}
		}
	}()
	j.log.Info("Janitor started", zap.Duration("interval", j.interval))
}

// Stop terminates the sweep loop and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

// Sweep runs one reconciliation pass.
func (j *Janitor) Sweep(ctx context.Context) {
	sessions, err := j.store.ListNonDeadSessions(ctx)
	if err != nil {
		j.log.Error("Janitor failed to list sessions", zap.Error(err))
		return
	}

	j.markDeadSessions(ctx, sessions)
	j.reapOrphans(ctx, sessions)
	j.pruneBareClones(ctx, sessions)
}

// markDeadSessions moves sessions whose recorded container stopped or
// vanished to the terminal dead state.
func (j *Janitor) markDeadSessions(ctx context.Context, sessions []*store.Session) {
	for _, sess := range sessions {
		if sess.ContainerID == "" {
			continue
		}
		info, err := j.containers.Inspect(ctx, sess.ContainerID)
		if err != nil && err != container.ErrNotFound {
			j.log.Warn("Janitor inspect failed",
				zap.String("container_id", sess.ContainerID), zap.Error(err))
			continue
		}
		if err == container.ErrNotFound || !info.Running {
			j.log.Info("Marking session dead, container lost",
				zap.String("session_id", sess.ID),
				zap.String("container_id", sess.ContainerID))
			if err := j.store.UpdateSessionStatus(ctx, sess.ID, store.SessionStatusDead); err != nil {
				j.log.Warn("Failed to mark session dead",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			j.publish(ctx, sess)
		}
	}
}

// reapOrphans removes containers whose session row no longer exists and
// kills pty-mux sessions no row references.
func (j *Janitor) reapOrphans(ctx context.Context, sessions []*store.Session) {
	infos, err := j.containers.ListManaged(ctx)
	if err != nil {
		j.log.Warn("Janitor failed to list containers", zap.Error(err))
		return
	}

	rows := make(map[string]*store.Session, len(sessions))
	muxNames := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		rows[sess.ID] = sess
		muxNames[sess.PtyMuxName] = true
	}

	for _, info := range infos {
		sessionID := info.Labels[container.LabelSession]
		if _, ok := rows[sessionID]; !ok {
			j.log.Info("Reaping orphan container",
				zap.String("container_id", info.ID),
				zap.String("session_id", sessionID))
			j.containers.Destroy(ctx, info.ID)
			continue
		}
		if info.Running {
			j.reapOrphanMuxSessions(ctx, info.ID, muxNames)
		}
	}
}

// muxExecTimeout bounds each tmux exec during a sweep.
var muxExecTimeout = 5 * time.Second

// reapOrphanMuxSessions kills pty-mux sessions inside a container that no
// store row references. Every exec carries its own deadline; a hung kill
// must not consume the budget of the remaining orphans.
func (j *Janitor) reapOrphanMuxSessions(ctx context.Context, containerID string, muxNames map[string]bool) {
	listCtx, cancel := context.WithTimeout(ctx, muxExecTimeout)
	res, err := j.containers.RunExec(listCtx, containerID,
		[]string{"tmux", "list-sessions", "-F", "#{session_name}"})
	cancel()
	if err != nil || res.ExitCode != 0 {
		// no tmux server running is the common, harmless case
		return
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || muxNames[name] {
			continue
		}
		j.log.Info("Killing orphan pty-mux session",
			zap.String("container_id", containerID), zap.String("mux_name", name))
		killCtx, cancel := context.WithTimeout(ctx, muxExecTimeout)
		if _, err := j.containers.RunExec(killCtx, containerID,
			[]string{"tmux", "kill-session", "-t", name}); err != nil {
			j.log.Warn("Failed to kill pty-mux session",
				zap.String("mux_name", name), zap.Error(err))
		}
		cancel()
	}
}

// pruneBareClones runs worktree prune in every bare clone referenced by a
// live session.
func (j *Janitor) pruneBareClones(ctx context.Context, sessions []*store.Session) {
	seen := make(map[string]bool)
	for _, sess := range sessions {
		if seen[sess.EnvironmentID] {
			continue
		}
		seen[sess.EnvironmentID] = true
		if err := j.pruner.Prune(ctx, sess.EnvironmentID); err != nil {
			j.log.Warn("Worktree prune failed",
				zap.String("environment_id", sess.EnvironmentID), zap.Error(err))
		}
	}
}

func (j *Janitor) publish(ctx context.Context, sess *store.Session) {
	if j.events == nil {
		return
	}
	event := bus.NewEvent(bus.EventSessionDead, "janitor", map[string]any{
		"session_id":     sess.ID,
		"environment_id": sess.EnvironmentID,
	})
	if err := j.events.Publish(ctx, bus.SubjectSessionPrefix+sess.ID, event); err != nil {
		j.log.Warn("Failed to publish session event", zap.Error(err))
	}
}
