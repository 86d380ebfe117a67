package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in development mode and in tests.
// It enforces the same uniqueness and cascade semantics as the SQL stores.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*User
	environments map[string]*Environment
	sessions     map[string]*Session
	agents       map[string]*Agent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*User),
		environments: make(map[string]*Environment),
		sessions:     make(map[string]*Session),
		agents:       make(map[string]*Agent),
	}
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func copyEnv(e *Environment) *Environment {
	c := *e
	return &c
}

func copySession(s *Session) *Session {
	c := *s
	if s.LastActivity != nil {
		t := *s.LastActivity
		c.LastActivity = &t
	}
	return &c
}

func copyAgent(a *Agent) *Agent {
	c := *a
	return &c
}

// CreateUser inserts a user row.
func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	m.users[u.ID] = copyUser(u)
	return nil
}

// GetUser retrieves a user by id.
func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// UpdateUserCredential replaces the encrypted credential blob.
func (m *MemoryStore) UpdateUserCredential(ctx context.Context, id string, credential []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.VCSCredential = credential
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateEnvironment inserts an environment, rejecting duplicate (user, name).
func (m *MemoryStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.environments {
		if existing.UserID == env.UserID && existing.Name == env.Name {
			return &EnvNameInUseError{Existing: copyEnv(existing)}
		}
	}

	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	m.environments[env.ID] = copyEnv(env)
	return nil
}

// GetEnvironment retrieves an environment by id.
func (m *MemoryStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	env, ok := m.environments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEnv(env), nil
}

// GetEnvironmentByName retrieves an environment by (user, name).
func (m *MemoryStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, env := range m.environments {
		if env.UserID == userID && env.Name == name {
			return copyEnv(env), nil
		}
	}
	return nil, ErrNotFound
}

// ListEnvironmentsByUser returns a user's environments ordered by creation time.
func (m *MemoryStore) ListEnvironmentsByUser(ctx context.Context, userID string) ([]*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var envs []*Environment
	for _, env := range m.environments {
		if env.UserID == userID {
			envs = append(envs, copyEnv(env))
		}
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].CreatedAt.Before(envs[j].CreatedAt) })
	return envs, nil
}

// UpdateEnvironmentStatus sets the environment status.
func (m *MemoryStore) UpdateEnvironmentStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[id]
	if !ok {
		return ErrNotFound
	}
	env.Status = status
	env.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteEnvironment removes an environment and cascades to its sessions.
func (m *MemoryStore) DeleteEnvironment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.environments[id]; !ok {
		return ErrNotFound
	}
	delete(m.environments, id)

	for sid, s := range m.sessions {
		if s.EnvironmentID == id {
			delete(m.sessions, sid)
		}
	}
	return nil
}

// CreateSession inserts a session, enforcing the partial uniqueness rules on
// name and branch among non-dead sessions of the same environment.
func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.environments[s.EnvironmentID]; !ok {
		return ErrNotFound
	}

	for _, existing := range m.sessions {
		if existing.EnvironmentID != s.EnvironmentID || existing.IsDead() {
			continue
		}
		if existing.Name == s.Name {
			return &SessionNameInUseError{Existing: copySession(existing)}
		}
		if s.GitBranch != "" && existing.GitBranch == s.GitBranch {
			return &SessionBranchInUseError{Existing: copySession(existing)}
		}
	}

	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sessions[s.ID] = copySession(s)
	return nil
}

// GetSession retrieves a session by id.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ListSessionsByEnvironment returns an environment's sessions ordered by creation time.
func (m *MemoryStore) ListSessionsByEnvironment(ctx context.Context, envID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, s := range m.sessions {
		if s.EnvironmentID == envID {
			sessions = append(sessions, copySession(s))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// ListNonDeadSessions returns every session that has not reached the dead state.
func (m *MemoryStore) ListNonDeadSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, s := range m.sessions {
		if !s.IsDead() {
			sessions = append(sessions, copySession(s))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// FindSessionByName finds a non-dead session by name within an environment.
func (m *MemoryStore) FindSessionByName(ctx context.Context, envID, name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.EnvironmentID == envID && s.Name == name && !s.IsDead() {
			return copySession(s), nil
		}
	}
	return nil, ErrNotFound
}

// FindSessionByBranch finds a non-dead session by branch within an environment.
func (m *MemoryStore) FindSessionByBranch(ctx context.Context, envID, branch string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.EnvironmentID == envID && s.GitBranch == branch && !s.IsDead() {
			return copySession(s), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateSessionStatus sets the session status.
func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// DeactivateSession moves an active session to inactive. Sessions in any
// other state, dead in particular, are left untouched.
func (m *MemoryStore) DeactivateSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != SessionStatusActive {
		return nil
	}
	s.Status = SessionStatusInactive
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateSessionContainer writes container id and status in a single row update.
func (m *MemoryStore) UpdateSessionContainer(ctx context.Context, id, containerID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.ContainerID = containerID
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// TouchSessionActivity records the current time as the session's last activity.
func (m *MemoryStore) TouchSessionActivity(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.LastActivity = &now
	s.UpdatedAt = now
	return nil
}

// DeleteSession removes a session row.
func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// CreateAgent inserts an agent row.
func (m *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.agents[a.ID] = copyAgent(a)
	return nil
}

// GetAgent retrieves an agent by id.
func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

// ListAgentsByUser returns a user's agents ordered by creation time.
func (m *MemoryStore) ListAgentsByUser(ctx context.Context, userID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Agent
	for _, a := range m.agents {
		if a.UserID == userID {
			agents = append(agents, copyAgent(a))
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

// DeleteAgent removes an agent row (and its credential with it).
func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
