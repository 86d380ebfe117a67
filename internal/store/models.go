// Package store provides the typed persistence façade over users,
// environments, sessions, and agents.
package store

import "time"

// Environment statuses.
const (
	EnvStatusReady = "ready"
	EnvStatusError = "error"
)

// Session statuses. Dead is terminal; dead sessions are never reused and a
// new session may re-take the branch.
const (
	SessionStatusInactive = "inactive"
	SessionStatusActive   = "active"
	SessionStatusDead     = "dead"
)

// Session types.
const (
	SessionTypeShell = "shell"
	SessionTypeAgent = "agent"
)

// User is an identity with an optional encrypted VCS credential blob.
type User struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	VCSCredential []byte    `json:"-" db:"vcs_credential"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Environment is a user's declaration of a repository-rooted workspace.
// It owns sessions and nothing else; containers belong to sessions.
type Environment struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Name          string    `json:"name" db:"name"`
	RepositoryURL string    `json:"repository_url,omitempty" db:"repository_url"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	Status        string    `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Session is a persistent interactive shell bound to one git branch inside
// a sandboxed container.
type Session struct {
	ID               string     `json:"id" db:"id"`
	EnvironmentID    string     `json:"environment_id" db:"environment_id"`
	Name             string     `json:"name" db:"name"`
	PtyMuxName       string     `json:"pty_mux_name" db:"pty_mux_name"`
	WorkingDirectory string     `json:"working_directory" db:"working_directory"`
	Status           string     `json:"status" db:"status"`
	ContainerID      string     `json:"container_id,omitempty" db:"container_id"`
	GitBranch        string     `json:"git_branch,omitempty" db:"git_branch"`
	SessionType      string     `json:"session_type" db:"session_type"`
	AgentID          string     `json:"agent_id,omitempty" db:"agent_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	LastActivity     *time.Time `json:"last_activity,omitempty" db:"last_activity"`
}

// IsDead reports whether the session has reached its terminal state.
func (s *Session) IsDead() bool {
	return s.Status == SessionStatusDead
}

// Agent is a configured coding agent with an optional encrypted credential.
type Agent struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Name       string    `json:"name" db:"name"`
	Type       string    `json:"type" db:"type"`
	Credential []byte    `json:"-" db:"credential"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
