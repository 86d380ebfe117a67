// Package environment manages repository-rooted workspaces: the unit a
// user declares once and opens sessions against.
package environment

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/store"
)

// RepoCache warms and maintains the bare clone backing an environment.
type RepoCache interface {
	Ensure(ctx context.Context, envID, repoURL string) (string, error)
}

// ImageVerifier checks that the sandbox image sessions will run on exists.
type ImageVerifier interface {
	VerifyImage(ctx context.Context) error
}

// Cleaner tears down every session of an environment before the row goes.
type Cleaner interface {
	CleanupEnvironment(ctx context.Context, envID string) error
}

// CreateRequest declares a new environment.
type CreateRequest struct {
	UserID        string
	Name          string
	RepositoryURL string
	Branch        string
}

// Service owns environment CRUD. Session lifecycles are delegated to the
// cleaner so cascade deletes also reap containers.
type Service struct {
	store   store.Store
	repos   RepoCache
	images  ImageVerifier
	cleaner Cleaner
	log     *logger.Logger
}

// NewService creates an environment service.
func NewService(st store.Store, repos RepoCache, images ImageVerifier, cleaner Cleaner, log *logger.Logger) *Service {
	return &Service{store: st, repos: repos, images: images, cleaner: cleaner, log: log}
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._-]{0,63}$`)

// Create validates the request, inserts the row, and warms the bare clone.
// A clone failure does not fail the request: the environment lands in error
// status and session creation against it is refused until it recovers.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Environment, error) {
	if req.UserID == "" {
		return nil, apperrors.BadRequest("user_id is required")
	}
	if !namePattern.MatchString(req.Name) {
		return nil, apperrors.BadRequest("name must be 1-64 characters: letters, digits, spaces, dots, dashes, underscores")
	}
	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound("user", req.UserID)
		}
		return nil, apperrors.InternalError("failed to load user", err)
	}

	// sessions cannot run without the sandbox image, so refuse early
	if err := s.images.VerifyImage(ctx); err != nil {
		return nil, err
	}

	branch := req.Branch
	if branch == "" {
		branch = "main"
	}

	env := &store.Environment{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Name:          req.Name,
		RepositoryURL: req.RepositoryURL,
		DefaultBranch: branch,
		Status:        store.EnvStatusReady,
	}

	if err := s.store.CreateEnvironment(ctx, env); err != nil {
		var nameErr *store.EnvNameInUseError
		if errors.As(err, &nameErr) {
			return nil, apperrors.NameInUse(req.Name).
				WithDetail("existingEnvironment", nameErr.Existing).
				WithDetail("suggestions", s.suggestNames(ctx, req.UserID, req.Name))
		}
		return nil, apperrors.InternalError("failed to create environment", err)
	}

	if env.RepositoryURL != "" {
		if _, err := s.repos.Ensure(ctx, env.ID, env.RepositoryURL); err != nil {
			s.log.WithEnvironmentID(env.ID).Warn("Initial clone failed", zap.Error(err))
			env.Status = store.EnvStatusError
			if updateErr := s.store.UpdateEnvironmentStatus(ctx, env.ID, store.EnvStatusError); updateErr != nil {
				s.log.WithEnvironmentID(env.ID).Error("Failed to record clone failure", zap.Error(updateErr))
			}
		}
	}

	return env, nil
}

// Get returns the environment row.
func (s *Service) Get(ctx context.Context, id string) (*store.Environment, error) {
	env, err := s.store.GetEnvironment(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound("environment", id)
		}
		return nil, apperrors.InternalError("failed to load environment", err)
	}
	return env, nil
}

// WithSessions is an environment joined with its sessions for listing.
type WithSessions struct {
	*store.Environment
	Sessions []*store.Session `json:"sessions"`
}

// ListForUser returns the user's environments, each with its sessions.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*WithSessions, error) {
	envs, err := s.store.ListEnvironmentsByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list environments", err)
	}

	result := make([]*WithSessions, 0, len(envs))
	for _, env := range envs {
		sessions, err := s.store.ListSessionsByEnvironment(ctx, env.ID)
		if err != nil {
			return nil, apperrors.InternalError("failed to list sessions", err)
		}
		result = append(result, &WithSessions{Environment: env, Sessions: sessions})
	}
	return result, nil
}

// Availability describes whether an environment name is free for a user.
type Availability struct {
	Available   bool               `json:"available"`
	Name        string             `json:"name"`
	Suggestions []string           `json:"suggestions,omitempty"`
	Message     string             `json:"message,omitempty"`
	Existing    *store.Environment `json:"existingEnvironment,omitempty"`
}

// CheckName reports whether a name is free for the user, with alternatives
// when it is not.
func (s *Service) CheckName(ctx context.Context, userID, name string) (*Availability, error) {
	existing, err := s.store.GetEnvironmentByName(ctx, userID, name)
	if err == store.ErrNotFound {
		return &Availability{Available: true, Name: name}, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to check name", err)
	}
	return &Availability{
		Available:   false,
		Name:        name,
		Suggestions: s.suggestNames(ctx, userID, name),
		Message:     fmt.Sprintf("name '%s' is already in use", name),
		Existing:    existing,
	}, nil
}

// Delete tears down every session of the environment, then the row. The
// bare clone on disk is left behind; the janitor prunes its worktrees.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetEnvironment(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound("environment", id)
		}
		return apperrors.InternalError("failed to load environment", err)
	}
	return s.cleaner.CleanupEnvironment(ctx, id)
}

// suggestNames proposes free numbered variants of a taken name.
func (s *Service) suggestNames(ctx context.Context, userID, base string) []string {
	var suggestions []string
	for i := 2; i <= 10 && len(suggestions) < 3; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, err := s.store.GetEnvironmentByName(ctx, userID, candidate); err == store.ErrNotFound {
			suggestions = append(suggestions, candidate)
		}
	}
	return suggestions
}
