package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store over a local SQLite database. It is selected
// when the database URL is a plain file path rather than a postgres:// URL.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	vcs_credential  BLOB,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS environments (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL,
	repository_url  TEXT NOT NULL DEFAULT '',
	default_branch  TEXT NOT NULL DEFAULT 'main',
	status          TEXT NOT NULL DEFAULT 'ready',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_environments_user_name
	ON environments (user_id, name);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	environment_id     TEXT NOT NULL REFERENCES environments(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	pty_mux_name       TEXT NOT NULL,
	working_directory  TEXT NOT NULL DEFAULT '/workspace',
	status             TEXT NOT NULL DEFAULT 'inactive',
	container_id       TEXT NOT NULL DEFAULT '',
	git_branch         TEXT NOT NULL DEFAULT '',
	session_type       TEXT NOT NULL DEFAULT 'shell',
	agent_id           TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	last_activity      DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_env_name
	ON sessions (environment_id, name) WHERE status <> 'dead';

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_env_branch
	ON sessions (environment_id, git_branch) WHERE status <> 'dead' AND git_branch <> '';

CREATE INDEX IF NOT EXISTS idx_sessions_environment ON sessions (environment_id);

CREATE TABLE IF NOT EXISTS agents (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	credential  BLOB,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database file and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts a user row.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, vcs_credential, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.VCSCredential, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.db.GetContext(ctx, u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateUserCredential replaces the encrypted credential blob.
func (s *SQLiteStore) UpdateUserCredential(ctx context.Context, id string, credential []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET vcs_credential = ?, updated_at = ? WHERE id = ?`,
		credential, time.Now().UTC(), id)
	return checkAffected(res, err)
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEnvironment inserts an environment, translating the unique index
// violation into EnvNameInUseError.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environments (id, user_id, name, repository_url, default_branch, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.UserID, env.Name, env.RepositoryURL, env.DefaultBranch, env.Status,
		env.CreatedAt, env.UpdatedAt)
	if err == nil {
		return nil
	}
	if isSQLiteUnique(err) {
		if existing, lookupErr := s.GetEnvironmentByName(ctx, env.UserID, env.Name); lookupErr == nil {
			return &EnvNameInUseError{Existing: existing}
		}
	}
	return err
}

// GetEnvironment retrieves an environment by id.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	env := &Environment{}
	err := s.db.GetContext(ctx, env, `SELECT * FROM environments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// GetEnvironmentByName retrieves an environment by (user, name).
func (s *SQLiteStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error) {
	env := &Environment{}
	err := s.db.GetContext(ctx, env,
		`SELECT * FROM environments WHERE user_id = ? AND name = ?`, userID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ListEnvironmentsByUser returns a user's environments ordered by creation time.
func (s *SQLiteStore) ListEnvironmentsByUser(ctx context.Context, userID string) ([]*Environment, error) {
	var envs []*Environment
	err := s.db.SelectContext(ctx, &envs,
		`SELECT * FROM environments WHERE user_id = ? ORDER BY created_at`, userID)
	return envs, err
}

// UpdateEnvironmentStatus sets the environment status.
func (s *SQLiteStore) UpdateEnvironmentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE environments SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return checkAffected(res, err)
}

// DeleteEnvironment removes an environment; sessions go with it via the FK cascade.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	return checkAffected(res, err)
}

// CreateSession inserts a session, translating partial unique index
// violations into the typed conflict errors.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if _, err := s.GetEnvironment(ctx, sess.EnvironmentID); err != nil {
		return err
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, environment_id, name, pty_mux_name, working_directory,
			status, container_id, git_branch, session_type, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.EnvironmentID, sess.Name, sess.PtyMuxName, sess.WorkingDirectory,
		sess.Status, sess.ContainerID, sess.GitBranch, sess.SessionType, sess.AgentID,
		sess.CreatedAt, sess.UpdatedAt)
	if err == nil {
		return nil
	}
	if isSQLiteUnique(err) {
		if existing, lookupErr := s.FindSessionByName(ctx, sess.EnvironmentID, sess.Name); lookupErr == nil {
			return &SessionNameInUseError{Existing: existing}
		}
		if sess.GitBranch != "" {
			if existing, lookupErr := s.FindSessionByBranch(ctx, sess.EnvironmentID, sess.GitBranch); lookupErr == nil {
				return &SessionBranchInUseError{Existing: existing}
			}
		}
	}
	return err
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.db.GetContext(ctx, sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessionsByEnvironment returns an environment's sessions ordered by creation time.
func (s *SQLiteStore) ListSessionsByEnvironment(ctx context.Context, envID string) ([]*Session, error) {
	var sessions []*Session
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE environment_id = ? ORDER BY created_at`, envID)
	return sessions, err
}

// ListNonDeadSessions returns every session that has not reached the dead state.
func (s *SQLiteStore) ListNonDeadSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE status <> 'dead' ORDER BY created_at`)
	return sessions, err
}

// FindSessionByName finds a non-dead session by name within an environment.
func (s *SQLiteStore) FindSessionByName(ctx context.Context, envID, name string) (*Session, error) {
	sess := &Session{}
	err := s.db.GetContext(ctx, sess,
		`SELECT * FROM sessions WHERE environment_id = ? AND name = ? AND status <> 'dead'`,
		envID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// FindSessionByBranch finds a non-dead session by branch within an environment.
func (s *SQLiteStore) FindSessionByBranch(ctx context.Context, envID, branch string) (*Session, error) {
	sess := &Session{}
	err := s.db.GetContext(ctx, sess,
		`SELECT * FROM sessions WHERE environment_id = ? AND git_branch = ? AND status <> 'dead'`,
		envID, branch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSessionStatus sets the session status.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return checkAffected(res, err)
}

// DeactivateSession moves an active session to inactive. The status guard
// in the WHERE clause keeps dead sessions dead.
func (s *SQLiteStore) DeactivateSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		SessionStatusInactive, time.Now().UTC(), id, SessionStatusActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// the row may simply be in another state; only a missing row is an error
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// UpdateSessionContainer writes container id and status in a single row update.
func (s *SQLiteStore) UpdateSessionContainer(ctx context.Context, id, containerID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET container_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		containerID, status, time.Now().UTC(), id)
	return checkAffected(res, err)
}

// TouchSessionActivity records the current time as the session's last activity.
func (s *SQLiteStore) TouchSessionActivity(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ?, updated_at = ? WHERE id = ?`, now, now, id)
	return checkAffected(res, err)
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return checkAffected(res, err)
}

// CreateAgent inserts an agent row.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, type, credential, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Type, a.Credential, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	err := s.db.GetContext(ctx, a, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgentsByUser returns a user's agents ordered by creation time.
func (s *SQLiteStore) ListAgentsByUser(ctx context.Context, userID string) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.SelectContext(ctx, &agents,
		`SELECT * FROM agents WHERE user_id = ? ORDER BY created_at`, userID)
	return agents, err
}

// DeleteAgent removes an agent row (and its credential with it).
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return checkAffected(res, err)
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
