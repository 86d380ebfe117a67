package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kilndev/kiln/internal/common/database"
)

// PostgresStore implements Store over a pgx connection pool. Uniqueness and
// cascade rules live in the schema; unique violations are translated into
// the typed conflict errors carrying the existing row.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

const pgUniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	vcs_credential  BYTEA,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS environments (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL,
	repository_url  TEXT NOT NULL DEFAULT '',
	default_branch  TEXT NOT NULL DEFAULT 'main',
	status          TEXT NOT NULL DEFAULT 'ready',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity      TIMESTAMPTZ
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
	credential  BYTEA,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION bump_updated_at() RETURNS trigger AS $$
BEGIN
	NEW.updated_at = now();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_environments_updated ON environments;
CREATE TRIGGER trg_environments_updated BEFORE UPDATE ON environments
	FOR EACH ROW EXECUTE FUNCTION bump_updated_at();

DROP TRIGGER IF EXISTS trg_sessions_updated ON sessions;
CREATE TRIGGER trg_sessions_updated BEFORE UPDATE ON sessions
	FOR EACH ROW EXECUTE FUNCTION bump_updated_at();
`

// NewPostgresStore creates the store and applies the schema.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

// CreateUser inserts a user row.
func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	row := p.db.QueryRow(ctx, `
		INSERT INTO users (id, name, vcs_credential)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		u.ID, u.Name, u.VCSCredential)
	return row.Scan(&u.CreatedAt, &u.UpdatedAt)
}

// GetUser retrieves a user by id.
func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := p.db.QueryRow(ctx, `
		SELECT id, name, vcs_credential, created_at, updated_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.VCSCredential, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateUserCredential replaces the encrypted credential blob.
func (p *PostgresStore) UpdateUserCredential(ctx context.Context, id string, credential []byte) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE users SET vcs_credential = $2, updated_at = now() WHERE id = $1`,
		id, credential)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEnvironment inserts an environment, translating the unique index
// violation into EnvNameInUseError.
func (p *PostgresStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	row := p.db.QueryRow(ctx, `
		INSERT INTO environments (id, user_id, name, repository_url, default_branch, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		env.ID, env.UserID, env.Name, env.RepositoryURL, env.DefaultBranch, env.Status)
	err := row.Scan(&env.CreatedAt, &env.UpdatedAt)
	if err == nil {
		return nil
	}

	if isUniqueViolation(err, "idx_environments_user_name") {
		existing, lookupErr := p.GetEnvironmentByName(ctx, env.UserID, env.Name)
		if lookupErr == nil {
			return &EnvNameInUseError{Existing: existing}
		}
	}
	return err
}

const envColumns = `id, user_id, name, repository_url, default_branch, status, created_at, updated_at`

func scanEnvironment(row pgx.Row) (*Environment, error) {
	env := &Environment{}
	err := row.Scan(&env.ID, &env.UserID, &env.Name, &env.RepositoryURL,
		&env.DefaultBranch, &env.Status, &env.CreatedAt, &env.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// GetEnvironment retrieves an environment by id.
func (p *PostgresStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	return scanEnvironment(p.db.QueryRow(ctx,
		`SELECT `+envColumns+` FROM environments WHERE id = $1`, id))
}

// GetEnvironmentByName retrieves an environment by (user, name).
func (p *PostgresStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error) {
	return scanEnvironment(p.db.QueryRow(ctx,
		`SELECT `+envColumns+` FROM environments WHERE user_id = $1 AND name = $2`, userID, name))
}

// ListEnvironmentsByUser returns a user's environments ordered by creation time.
func (p *PostgresStore) ListEnvironmentsByUser(ctx context.Context, userID string) ([]*Environment, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+envColumns+` FROM environments WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// UpdateEnvironmentStatus sets the environment status.
func (p *PostgresStore) UpdateEnvironmentStatus(ctx context.Context, id, status string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE environments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEnvironment removes an environment; sessions go with it via the FK cascade.
func (p *PostgresStore) DeleteEnvironment(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession inserts a session, translating partial unique index
// violations into the typed conflict errors.
func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	row := p.db.QueryRow(ctx, `
		INSERT INTO sessions (id, environment_id, name, pty_mux_name, working_directory,
			status, container_id, git_branch, session_type, agent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		s.ID, s.EnvironmentID, s.Name, s.PtyMuxName, s.WorkingDirectory,
		s.Status, s.ContainerID, s.GitBranch, s.SessionType, s.AgentID)
	err := row.Scan(&s.CreatedAt, &s.UpdatedAt)
	if err == nil {
		return nil
	}

	if isUniqueViolation(err, "idx_sessions_env_name") {
		if existing, lookupErr := p.FindSessionByName(ctx, s.EnvironmentID, s.Name); lookupErr == nil {
			return &SessionNameInUseError{Existing: existing}
		}
	}
	if isUniqueViolation(err, "idx_sessions_env_branch") {
		if existing, lookupErr := p.FindSessionByBranch(ctx, s.EnvironmentID, s.GitBranch); lookupErr == nil {
			return &SessionBranchInUseError{Existing: existing}
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign key
		return ErrNotFound
	}
	return err
}

const sessionColumns = `id, environment_id, name, pty_mux_name, working_directory,
	status, container_id, git_branch, session_type, agent_id, created_at, updated_at, last_activity`

func scanSession(row pgx.Row) (*Session, error) {
	s := &Session{}
	err := row.Scan(&s.ID, &s.EnvironmentID, &s.Name, &s.PtyMuxName, &s.WorkingDirectory,
		&s.Status, &s.ContainerID, &s.GitBranch, &s.SessionType, &s.AgentID,
		&s.CreatedAt, &s.UpdatedAt, &s.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession retrieves a session by id.
func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (p *PostgresStore) querySessions(ctx context.Context, sql string, args ...any) ([]*Session, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListSessionsByEnvironment returns an environment's sessions ordered by creation time.
func (p *PostgresStore) ListSessionsByEnvironment(ctx context.Context, envID string) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE environment_id = $1 ORDER BY created_at`, envID)
}

// ListNonDeadSessions returns every session that has not reached the dead state.
func (p *PostgresStore) ListNonDeadSessions(ctx context.Context) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status <> 'dead' ORDER BY created_at`)
}

// FindSessionByName finds a non-dead session by name within an environment.
func (p *PostgresStore) FindSessionByName(ctx context.Context, envID, name string) (*Session, error) {
	return scanSession(p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE environment_id = $1 AND name = $2 AND status <> 'dead'`, envID, name))
}

// FindSessionByBranch finds a non-dead session by branch within an environment.
func (p *PostgresStore) FindSessionByBranch(ctx context.Context, envID, branch string) (*Session, error) {
	return scanSession(p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE environment_id = $1 AND git_branch = $2 AND status <> 'dead'`, envID, branch))
}

// UpdateSessionStatus sets the session status.
func (p *PostgresStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateSession moves an active session to inactive. The status guard
// in the WHERE clause keeps dead sessions dead.
func (p *PostgresStore) DeactivateSession(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1 AND status = $3`,
		id, SessionStatusInactive, SessionStatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// the row may simply be in another state; only a missing row is an error
		if _, getErr := p.GetSession(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// UpdateSessionContainer writes container id and status in a single row update.
func (p *PostgresStore) UpdateSessionContainer(ctx context.Context, id, containerID, status string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE sessions SET container_id = $2, status = $3 WHERE id = $1`,
		id, containerID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSessionActivity records the current time as the session's last activity.
func (p *PostgresStore) TouchSessionActivity(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE sessions SET last_activity = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row.
func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAgent inserts an agent row.
func (p *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	row := p.db.QueryRow(ctx, `
		INSERT INTO agents (id, user_id, name, type, credential)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		a.ID, a.UserID, a.Name, a.Type, a.Credential)
	return row.Scan(&a.CreatedAt, &a.UpdatedAt)
}

// GetAgent retrieves an agent by id.
func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	err := p.db.QueryRow(ctx, `
		SELECT id, user_id, name, type, credential, created_at, updated_at
		FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.UserID, &a.Name, &a.Type, &a.Credential, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgentsByUser returns a user's agents ordered by creation time.
func (p *PostgresStore) ListAgentsByUser(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, user_id, name, type, credential, created_at, updated_at
		FROM agents WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Type, &a.Credential,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent row (and its credential with it).
func (p *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the underlying pool.
func (p *PostgresStore) Close() error {
	p.db.Close()
	return nil
}
