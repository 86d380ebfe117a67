package container

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kilndev/kiln/internal/common/config"
	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
)

// Ownership labels stamped on every session container.
const (
	LabelSession     = "orchestrator.session"
	LabelUser        = "orchestrator.user"
	LabelEnvironment = "orchestrator.environment"
	LabelSessionName = "orchestrator.session-name"
)

const (
	namePrefix  = "orchestrator"
	stopTimeout = 10 * time.Second
)

// Spec declares the container a session needs.
type Spec struct {
	SessionID       string
	SessionName     string
	UserID          string
	EnvironmentID   string
	EnvironmentName string
	RepoHostPath    string  // host path of the bare clone
	ExtraMounts     []Mount // additional caller-supplied mounts
}

// Manager creates, reuses, and destroys session containers with the
// deterministic name, labels, mounts, and capability set every sandbox gets.
type Manager struct {
	runtime Runtime
	cfg     config.SandboxConfig
	log     *logger.Logger
}

// NewManager creates a container manager.
func NewManager(runtime Runtime, cfg config.SandboxConfig, log *logger.Logger) *Manager {
	return &Manager{runtime: runtime, cfg: cfg, log: log}
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = slugPattern.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// Name returns the deterministic container name for a session. It is part
// of the external contract: adoption after a crash and operator
// introspection both key off it.
func Name(envName, sessionName, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s-%s", namePrefix, slugify(envName), slugify(sessionName), short)
}

// RepoMountTarget returns the container-side path of the bare-clone mount.
func RepoMountTarget(envID string) string {
	return "/repos/" + envID
}

func (m *Manager) buildConfig(spec Spec, name string) (Config, error) {
	mounts := []Mount{{
		Source:   spec.RepoHostPath,
		Target:   RepoMountTarget(spec.EnvironmentID),
		ReadOnly: false,
	}}
	for _, extra := range spec.ExtraMounts {
		// the bare clone must stay writable: worktree metadata lives in
		// its worktrees/ directory
		if extra.Target == RepoMountTarget(spec.EnvironmentID) && extra.ReadOnly {
			return Config{}, apperrors.MountReadOnly(extra.Target)
		}
		mounts = append(mounts, extra)
	}

	return Config{
		Name:       name,
		Image:      m.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Env: []string{
			"ENV=development",
			"USER_ID=" + spec.UserID,
			"SESSION_ID=" + spec.SessionID,
			"ENVIRONMENT_NAME=" + spec.EnvironmentName,
		},
		Labels: map[string]string{
			LabelSession:     spec.SessionID,
			LabelUser:        spec.UserID,
			LabelEnvironment: spec.EnvironmentID,
			LabelSessionName: spec.SessionName,
		},
		Mounts:      mounts,
		NetworkMode: m.cfg.NetworkMode,
		Memory:      m.cfg.MemoryBytes(),
		CPUQuota:    m.cfg.CPUQuota(),
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt: []string{"no-new-privileges"},
		Tty:         true,
	}, nil
}

// VerifyImage checks that the configured sandbox image is present in the
// runtime. Creating sessions cannot succeed without it.
func (m *Manager) VerifyImage(ctx context.Context) error {
	ok, err := m.runtime.HasImage(ctx, m.cfg.Image)
	if err != nil {
		return apperrors.RuntimeFailure("image list", err)
	}
	if !ok {
		return apperrors.ImageMissing(m.cfg.Image)
	}
	return nil
}

// Create creates and starts a container for the session. A name collision
// (lost race against a concurrent create) is retried once with a base36
// timestamp suffix; a second failure is fatal.
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	if err := m.VerifyImage(ctx); err != nil {
		return "", err
	}

	name := Name(spec.EnvironmentName, spec.SessionName, spec.SessionID)
	cfg, err := m.buildConfig(spec, name)
	if err != nil {
		return "", err
	}

	id, err := m.runtime.CreateContainer(ctx, cfg)
	if err != nil && isNameConflict(err) {
		cfg.Name = name + "-" + strconv.FormatInt(time.Now().Unix(), 36)
		m.log.Warn("Container name in use, retrying with suffix",
			zap.String("name", name), zap.String("retry_name", cfg.Name))
		id, err = m.runtime.CreateContainer(ctx, cfg)
	}
	if err != nil {
		return "", apperrors.ContainerCreateFailed(err)
	}

	if err := m.runtime.StartContainer(ctx, id); err != nil {
		m.Destroy(ctx, id)
		return "", apperrors.ContainerCreateFailed(err)
	}

	m.log.Info("Session container started",
		zap.String("container_id", id),
		zap.String("name", cfg.Name),
		zap.String("session_id", spec.SessionID))
	return id, nil
}

func isNameConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "is already in use")
}

// EnsureRunning starts the container if it is not running. Returns
// ContainerGone when the id is unknown to the runtime.
func (m *Manager) EnsureRunning(ctx context.Context, containerID string) error {
	info, err := m.runtime.Inspect(ctx, containerID)
	if err == ErrNotFound {
		return apperrors.ContainerGone(containerID)
	}
	if err != nil {
		return apperrors.RuntimeFailure("inspect", err)
	}
	if info.Running {
		return nil
	}
	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		if err == ErrNotFound {
			return apperrors.ContainerGone(containerID)
		}
		return apperrors.RuntimeFailure("start", err)
	}
	return nil
}

// ReuseByName inspects the deterministic name. A running container is
// returned for adoption; a stopped one is removed so the caller can create
// fresh. Returns "" when the name is free.
func (m *Manager) ReuseByName(ctx context.Context, expectedName string) (string, error) {
	info, err := m.runtime.Inspect(ctx, expectedName)
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", apperrors.RuntimeFailure("inspect", err)
	}
	if info.Running {
		return info.ID, nil
	}

	m.log.Info("Removing stopped container with expected name",
		zap.String("name", expectedName), zap.String("container_id", info.ID))
	if err := m.runtime.RemoveContainer(ctx, info.ID, true); err != nil && err != ErrNotFound {
		return "", apperrors.RuntimeFailure("remove", err)
	}
	return "", nil
}

// Destroy stops and removes a container best-effort. It never returns an
// error; failures are logged and the janitor converges what remains.
func (m *Manager) Destroy(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	if err := m.runtime.StopContainer(ctx, containerID, stopTimeout); err != nil && err != ErrNotFound {
		m.log.Warn("Failed to stop container",
			zap.String("container_id", containerID), zap.Error(err))
	}
	if err := m.runtime.RemoveContainer(ctx, containerID, true); err != nil && err != ErrNotFound {
		m.log.Warn("Failed to remove container",
			zap.String("container_id", containerID), zap.Error(err))
	}
}

// Inspect exposes runtime inspection to other components.
func (m *Manager) Inspect(ctx context.Context, containerID string) (*Info, error) {
	return m.runtime.Inspect(ctx, containerID)
}

// ListManaged lists every container carrying the session ownership label.
func (m *Manager) ListManaged(ctx context.Context) ([]Info, error) {
	return m.runtime.ListContainers(ctx, map[string]string{LabelSession: ""})
}

// ListBySession lists containers labeled with the given session id.
func (m *Manager) ListBySession(ctx context.Context, sessionID string) ([]Info, error) {
	return m.runtime.ListContainers(ctx, map[string]string{LabelSession: sessionID})
}

// Exec starts an interactive exec in the container.
func (m *Manager) Exec(ctx context.Context, containerID string, argv []string, opts ExecOptions) (*ExecStream, error) {
	return m.runtime.Exec(ctx, containerID, argv, opts)
}

// RunExec runs a command to completion in the container.
func (m *Manager) RunExec(ctx context.Context, containerID string, argv []string) (*ExecResult, error) {
	return m.runtime.RunExec(ctx, containerID, argv)
}
