package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/events/bus"
	"github.com/kilndev/kiln/internal/store"
)

// CreateRequest declares a new session.
type CreateRequest struct {
	EnvironmentID    string
	Name             string
	Branch           string
	WorkingDirectory string
	SessionType      string
	AgentID          string
}

// Service wraps session CRUD around the reconciler: it owns row creation
// (naming defaults, pty-mux identity, conflict translation) and delegates
// the container work to the reconciler.
type Service struct {
	store      store.Store
	reconciler *Reconciler
	events     bus.EventBus
	log        *logger.Logger
}

// NewService creates a session service.
func NewService(st store.Store, reconciler *Reconciler, events bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: st, reconciler: reconciler, events: events, log: log}
}

var muxNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// muxName derives the pty-mux session name. It is stable for the lifetime
// of the session row and is what makes terminal state survive reconnects.
func muxName(name string) string {
	slug := muxNamePattern.ReplaceAllString(name, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "session"
	}
	return fmt.Sprintf("%s-%d", slug, time.Now().Unix())
}

// Create inserts the session row and runs the reconciler to quiescence.
// Name and branch conflicts surface as typed errors carrying the existing
// row; the store's partial unique indexes are the arbiter.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Session, error) {
	env, err := s.store.GetEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound("environment", req.EnvironmentID)
		}
		return nil, apperrors.InternalError("failed to load environment", err)
	}
	if env.Status == store.EnvStatusError {
		return nil, apperrors.BadRequest("environment is in error state")
	}

	branch := req.Branch
	if branch == "" {
		branch = env.DefaultBranch
	}
	name := req.Name
	if name == "" {
		name = branch
	}
	workingDir := req.WorkingDirectory
	if workingDir == "" {
		workingDir = "/workspace"
	}
	sessionType := req.SessionType
	if sessionType == "" {
		sessionType = store.SessionTypeShell
	}
	if sessionType == store.SessionTypeAgent {
		if req.AgentID == "" {
			return nil, apperrors.BadRequest("agent sessions require an agent_id")
		}
		if _, err := s.store.GetAgent(ctx, req.AgentID); err != nil {
			return nil, apperrors.NotFound("agent", req.AgentID)
		}
	}

	sess := &store.Session{
		ID:               uuid.NewString(),
		EnvironmentID:    env.ID,
		Name:             name,
		PtyMuxName:       muxName(name),
		WorkingDirectory: workingDir,
		Status:           store.SessionStatusInactive,
		GitBranch:        branch,
		SessionType:      sessionType,
		AgentID:          req.AgentID,
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		var nameErr *store.SessionNameInUseError
		if errors.As(err, &nameErr) {
			return nil, apperrors.NameInUse(name).WithDetail("existingSession", nameErr.Existing)
		}
		var branchErr *store.SessionBranchInUseError
		if errors.As(err, &branchErr) {
			return nil, apperrors.BranchInUse(branch).WithDetail("existingSession", branchErr.Existing)
		}
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound("environment", req.EnvironmentID)
		}
		return nil, apperrors.InternalError("failed to create session", err)
	}

	s.publish(ctx, bus.EventSessionCreated, sess)

	if _, err := s.reconciler.EnsureSessionContainer(ctx, sess.ID); err != nil {
		s.log.WithSessionID(sess.ID).Error("Initial reconcile failed", zap.Error(err))
		return nil, err
	}
	return s.store.GetSession(ctx, sess.ID)
}

// Get returns the session row.
func (s *Service) Get(ctx context.Context, id string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.InternalError("failed to load session", err)
	}
	return sess, nil
}

// List returns all sessions under an environment.
func (s *Service) List(ctx context.Context, envID string) ([]*store.Session, error) {
	sessions, err := s.store.ListSessionsByEnvironment(ctx, envID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list sessions", err)
	}
	return sessions, nil
}

// Delete tears down a session and its container.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.reconciler.CleanupSession(ctx, id)
}

// Availability describes whether a name or branch is free within an
// environment, with alternatives when it is not.
type Availability struct {
	Available   bool           `json:"available"`
	Name        string         `json:"name"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Message     string         `json:"message,omitempty"`
	Existing    *store.Session `json:"existingSession,omitempty"`
}

// CheckName reports whether a session name is free among non-dead sessions
// of the environment.
func (s *Service) CheckName(ctx context.Context, envID, name string) (*Availability, error) {
	existing, err := s.store.FindSessionByName(ctx, envID, name)
	if err == store.ErrNotFound {
		return &Availability{Available: true, Name: name}, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to check name", err)
	}
	return &Availability{
		Available:   false,
		Name:        name,
		Suggestions: s.suggestNames(ctx, envID, name),
		Message:     fmt.Sprintf("name '%s' is already in use", name),
		Existing:    existing,
	}, nil
}

// CheckBranch reports whether a branch is free among non-dead sessions of
// the environment.
func (s *Service) CheckBranch(ctx context.Context, envID, branch string) (*Availability, error) {
	existing, err := s.store.FindSessionByBranch(ctx, envID, branch)
	if err == store.ErrNotFound {
		return &Availability{Available: true, Name: branch}, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to check branch", err)
	}
	return &Availability{
		Available: false,
		Name:      branch,
		Message:   fmt.Sprintf("branch '%s' is already in use", branch),
		Existing:  existing,
	}, nil
}

// suggestNames proposes free numbered variants of a taken name.
func (s *Service) suggestNames(ctx context.Context, envID, base string) []string {
	var suggestions []string
	for i := 2; i <= 10 && len(suggestions) < 3; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, err := s.store.FindSessionByName(ctx, envID, candidate); err == store.ErrNotFound {
			suggestions = append(suggestions, candidate)
		}
	}
	return suggestions
}

func (s *Service) publish(ctx context.Context, eventType string, sess *store.Session) {
	if s.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "orchestrator", map[string]any{
		"session_id":     sess.ID,
		"environment_id": sess.EnvironmentID,
		"name":           sess.Name,
	})
	if err := s.events.Publish(ctx, bus.SubjectSessionPrefix+sess.ID, event); err != nil {
		s.log.Warn("Failed to publish session event",
			zap.String("event", eventType), zap.Error(err))
	}
}
