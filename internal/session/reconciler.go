// Package session contains the reconciler that converges a declared
// session row, its container, and its branch worktree onto a consistent
// state, plus the janitor that sweeps up what individual reconciles miss.
package session

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
	"github.com/kilndev/kiln/internal/events/bus"
	"github.com/kilndev/kiln/internal/store"
)

// RepoCache provides the host-side bare clone for an environment.
type RepoCache interface {
	Ensure(ctx context.Context, envID, repoURL string) (string, error)
}

// Containers is the container-manager surface the reconciler drives.
type Containers interface {
	Create(ctx context.Context, spec container.Spec) (string, error)
	EnsureRunning(ctx context.Context, containerID string) error
	ReuseByName(ctx context.Context, expectedName string) (string, error)
	Destroy(ctx context.Context, containerID string)
	Inspect(ctx context.Context, containerID string) (*container.Info, error)
}

// Worktrees ensures the branch checkout inside a container.
type Worktrees interface {
	EnsureWorktree(ctx context.Context, containerID, envID, branch string) error
}

// Reconciler converges (store row, runtime container, worktree) for one
// session at a time. Every transition is idempotent; a crash at any point
// is converged by the next call or by the janitor.
type Reconciler struct {
	store      store.Store
	repos      RepoCache
	containers Containers
	worktrees  Worktrees
	events     bus.EventBus
	log        *logger.Logger

	locks *keyedMutex
}

// NewReconciler creates a session reconciler.
func NewReconciler(st store.Store, repos RepoCache, containers Containers, worktrees Worktrees, events bus.EventBus, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:      st,
		repos:      repos,
		containers: containers,
		worktrees:  worktrees,
		events:     events,
		log:        log,
		locks:      newKeyedMutex(),
	}
}

// EnsureSessionContainer converges the session onto a running container
// whose /workspace is a checkout of the session's branch, and records the
// container id with status=active. On any unrecoverable error the row is
// marked dead with the container reference cleared, and the error returned.
func (r *Reconciler) EnsureSessionContainer(ctx context.Context, sessionID string) (string, error) {
	r.locks.Lock(sessionID)
	defer r.locks.Unlock(sessionID)

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", apperrors.NotFound("session", sessionID)
		}
		return "", apperrors.InternalError("failed to load session", err)
	}
	if sess.IsDead() {
		return "", apperrors.BadRequest("session is dead and cannot be revived")
	}

	env, err := r.store.GetEnvironment(ctx, sess.EnvironmentID)
	if err != nil {
		return "", apperrors.NotFound("environment", sess.EnvironmentID)
	}
	if env.RepositoryURL == "" {
		return "", r.fail(ctx, sess, apperrors.BadRequest("environment has no repository URL"))
	}

	containerID, err := r.converge(ctx, sess, env)
	if err != nil {
		return "", r.fail(ctx, sess, err)
	}

	r.publish(ctx, bus.EventSessionActive, sess)
	return containerID, nil
}

// converge performs the case analysis over (row container id, runtime
// state of that id, deterministic name).
func (r *Reconciler) converge(ctx context.Context, sess *store.Session, env *store.Environment) (string, error) {
	log := r.log.WithSessionID(sess.ID)

	if sess.ContainerID != "" {
		info, err := r.containers.Inspect(ctx, sess.ContainerID)
		switch {
		case err == container.ErrNotFound:
			// recorded container vanished; clear the reference and fall
			// through to the containerless cases
			log.Warn("Recorded container is gone", zap.String("container_id", sess.ContainerID))
			r.containers.Destroy(ctx, sess.ContainerID)
			sess.ContainerID = ""
		case err != nil:
			return "", apperrors.RuntimeFailure("inspect", err)
		case info.Running:
			if err := r.worktrees.EnsureWorktree(ctx, sess.ContainerID, env.ID, sess.GitBranch); err != nil {
				return "", err
			}
			if err := r.store.UpdateSessionContainer(ctx, sess.ID, sess.ContainerID, store.SessionStatusActive); err != nil {
				return "", apperrors.InternalError("failed to update session", err)
			}
			return sess.ContainerID, nil
		default:
			if err := r.containers.EnsureRunning(ctx, sess.ContainerID); err != nil {
				if apperrors.Code(err) == apperrors.ErrCodeContainerGone {
					r.containers.Destroy(ctx, sess.ContainerID)
					sess.ContainerID = ""
					break
				}
				return "", err
			}
			if err := r.worktrees.EnsureWorktree(ctx, sess.ContainerID, env.ID, sess.GitBranch); err != nil {
				return "", err
			}
			if err := r.store.UpdateSessionContainer(ctx, sess.ID, sess.ContainerID, store.SessionStatusActive); err != nil {
				return "", apperrors.InternalError("failed to update session", err)
			}
			return sess.ContainerID, nil
		}
	}

	// no recorded container: the deterministic name may still resolve to
	// one created before a crash lost the store write
	name := container.Name(env.Name, sess.Name, sess.ID)
	adopted, err := r.containers.ReuseByName(ctx, name)
	if err != nil {
		return "", err
	}
	if adopted != "" {
		log.Info("Adopting existing container", zap.String("container_id", adopted), zap.String("name", name))
		if err := r.store.UpdateSessionContainer(ctx, sess.ID, adopted, store.SessionStatusActive); err != nil {
			return "", apperrors.InternalError("failed to update session", err)
		}
		if err := r.worktrees.EnsureWorktree(ctx, adopted, env.ID, sess.GitBranch); err != nil {
			return "", err
		}
		return adopted, nil
	}

	// fresh create: container first, then worktree, then the store write.
	// A crash in between leaves an orphan carrying the session label that
	// the next call adopts or the janitor reaps.
	repoPath, err := r.repos.Ensure(ctx, env.ID, env.RepositoryURL)
	if err != nil {
		return "", err
	}

	created, err := r.containers.Create(ctx, container.Spec{
		SessionID:       sess.ID,
		SessionName:     sess.Name,
		UserID:          env.UserID,
		EnvironmentID:   env.ID,
		EnvironmentName: env.Name,
		RepoHostPath:    repoPath,
	})
	if err != nil {
		return "", err
	}

	if err := r.worktrees.EnsureWorktree(ctx, created, env.ID, sess.GitBranch); err != nil {
		r.containers.Destroy(ctx, created)
		return "", err
	}

	if err := r.store.UpdateSessionContainer(ctx, sess.ID, created, store.SessionStatusActive); err != nil {
		r.containers.Destroy(ctx, created)
		return "", apperrors.InternalError("failed to update session", err)
	}
	return created, nil
}

// fail marks the session dead with its container reference cleared and
// returns the original error.
func (r *Reconciler) fail(ctx context.Context, sess *store.Session, cause error) error {
	r.log.WithSessionID(sess.ID).Error("Session reconcile failed", zap.Error(cause))
	if err := r.store.UpdateSessionContainer(ctx, sess.ID, "", store.SessionStatusDead); err != nil && err != store.ErrNotFound {
		r.log.Error("Failed to mark session dead", zap.String("session_id", sess.ID), zap.Error(err))
	}
	r.publish(ctx, bus.EventSessionDead, sess)
	return cause
}

// CleanupSession tears a session down: the container reference is cleared
// first, then the container destroyed best-effort, then the row deleted.
// Destroying the container takes the /workspace worktree with it.
func (r *Reconciler) CleanupSession(ctx context.Context, sessionID string) error {
	r.locks.Lock(sessionID)
	defer r.locks.Unlock(sessionID)

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound("session", sessionID)
		}
		return apperrors.InternalError("failed to load session", err)
	}

	if sess.ContainerID != "" {
		if err := r.store.UpdateSessionContainer(ctx, sessionID, "", sess.Status); err != nil && err != store.ErrNotFound {
			return apperrors.InternalError("failed to clear container reference", err)
		}
		r.containers.Destroy(ctx, sess.ContainerID)
	}

	if err := r.store.DeleteSession(ctx, sessionID); err != nil && err != store.ErrNotFound {
		return apperrors.InternalError("failed to delete session", err)
	}

	r.publish(ctx, bus.EventSessionDeleted, sess)
	return nil
}

// CleanupEnvironment destroys every session container under the
// environment and then deletes the environment row; the store cascades the
// session rows away.
func (r *Reconciler) CleanupEnvironment(ctx context.Context, envID string) error {
	sessions, err := r.store.ListSessionsByEnvironment(ctx, envID)
	if err != nil {
		return apperrors.InternalError("failed to list sessions", err)
	}

	for _, sess := range sessions {
		if sess.ContainerID == "" {
			continue
		}
		r.locks.Lock(sess.ID)
		if err := r.store.UpdateSessionContainer(ctx, sess.ID, "", sess.Status); err != nil && err != store.ErrNotFound {
			r.log.Warn("Failed to clear container reference",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		r.containers.Destroy(ctx, sess.ContainerID)
		r.locks.Unlock(sess.ID)
	}

	if err := r.store.DeleteEnvironment(ctx, envID); err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound("environment", envID)
		}
		return apperrors.InternalError("failed to delete environment", err)
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, eventType string, sess *store.Session) {
	if r.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "orchestrator", map[string]any{
		"session_id":     sess.ID,
		"environment_id": sess.EnvironmentID,
		"name":           sess.Name,
	})
	if err := r.events.Publish(ctx, bus.SubjectSessionPrefix+sess.ID, event); err != nil {
		r.log.Warn("Failed to publish session event",
			zap.String("event", eventType), zap.Error(err))
	}
}
