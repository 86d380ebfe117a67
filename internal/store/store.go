package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// EnvNameInUseError is returned when an environment name is already taken
// by the same user. It carries the existing row so callers can guide the
// client.
type EnvNameInUseError struct {
	Existing *Environment
}

func (e *EnvNameInUseError) Error() string {
	return fmt.Sprintf("environment name %q already in use", e.Existing.Name)
}

// SessionNameInUseError is returned when a session name collides with a
// non-dead session in the same environment.
type SessionNameInUseError struct {
	Existing *Session
}

func (e *SessionNameInUseError) Error() string {
	return fmt.Sprintf("session name %q already in use", e.Existing.Name)
}

// SessionBranchInUseError is returned when a branch is already claimed by a
// non-dead session in the same environment.
type SessionBranchInUseError struct {
	Existing *Session
}

func (e *SessionBranchInUseError) Error() string {
	return fmt.Sprintf("branch %q already in use", e.Existing.GitBranch)
}

// Store is the typed persistence façade. Uniqueness rules are enforced at
// the schema level by each implementation:
//
//   - environments (user_id, name) unique
//   - sessions (environment_id, name) unique among non-dead rows
//   - sessions (environment_id, git_branch) unique among non-dead rows
//     when git_branch is set
//   - sessions.environment_id -> environments.id ON DELETE CASCADE
//
// Every mutation bumps updated_at.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	UpdateUserCredential(ctx context.Context, id string, credential []byte) error

	// Environments
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error)
	ListEnvironmentsByUser(ctx context.Context, userID string) ([]*Environment, error)
	UpdateEnvironmentStatus(ctx context.Context, id, status string) error
	DeleteEnvironment(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByEnvironment(ctx context.Context, envID string) ([]*Session, error)
	ListNonDeadSessions(ctx context.Context) ([]*Session, error)
	FindSessionByName(ctx context.Context, envID, name string) (*Session, error)
	FindSessionByBranch(ctx context.Context, envID, branch string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	DeactivateSession(ctx context.Context, id string) error
	UpdateSessionContainer(ctx context.Context, id, containerID, status string) error
	TouchSessionActivity(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	// Agents
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
