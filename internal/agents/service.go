// Package agents manages configured coding agents and the encrypted
// credentials stored for them and for users' VCS access.
package agents

import (
	"context"
	"regexp"

	"github.com/google/uuid"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/secrets"
	"github.com/kilndev/kiln/internal/store"
)

// CreateRequest declares a new agent.
type CreateRequest struct {
	UserID     string
	Name       string
	Type       string
	Credential string
}

// Service owns agent CRUD. Credentials are encrypted before they reach
// the store and never leave this package in plaintext except through
// Credential.
type Service struct {
	store  store.Store
	cipher *secrets.Cipher
	log    *logger.Logger
}

// NewService creates an agent service.
func NewService(st store.Store, cipher *secrets.Cipher, log *logger.Logger) *Service {
	return &Service{store: st, cipher: cipher, log: log}
}

var agentTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// Create validates and inserts an agent, encrypting its credential.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Agent, error) {
	if req.UserID == "" || req.Name == "" {
		return nil, apperrors.BadRequest("user_id and name are required")
	}
	if !agentTypePattern.MatchString(req.Type) {
		return nil, apperrors.BadRequest("type must be a short lowercase identifier")
	}
	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound("user", req.UserID)
		}
		return nil, apperrors.InternalError("failed to load user", err)
	}

	var blob []byte
	if req.Credential != "" {
		var err error
		blob, err = s.cipher.Encrypt([]byte(req.Credential))
		if err != nil {
			return nil, apperrors.InternalError("failed to encrypt credential", err)
		}
	}

	agent := &store.Agent{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Name:       req.Name,
		Type:       req.Type,
		Credential: blob,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, apperrors.InternalError("failed to create agent", err)
	}
	return agent, nil
}

// Get returns the agent row. The credential stays encrypted.
func (s *Service) Get(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound("agent", id)
		}
		return nil, apperrors.InternalError("failed to load agent", err)
	}
	return agent, nil
}

// List returns the user's agents.
func (s *Service) List(ctx context.Context, userID string) ([]*store.Agent, error) {
	list, err := s.store.ListAgentsByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list agents", err)
	}
	return list, nil
}

// Delete removes the agent.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound("agent", id)
		}
		return apperrors.InternalError("failed to delete agent", err)
	}
	return nil
}

// Credential decrypts and returns the agent's credential.
func (s *Service) Credential(ctx context.Context, id string) (string, error) {
	agent, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if len(agent.Credential) == 0 {
		return "", nil
	}
	plain, err := s.cipher.Decrypt(agent.Credential)
	if err != nil {
		return "", apperrors.InternalError("failed to decrypt credential", err)
	}
	return string(plain), nil
}

// SetUserVCSCredential encrypts and stores a user's VCS access credential.
// An empty credential clears it.
func (s *Service) SetUserVCSCredential(ctx context.Context, userID, credential string) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound("user", userID)
		}
		return apperrors.InternalError("failed to load user", err)
	}

	var blob []byte
	if credential != "" {
		var err error
		blob, err = s.cipher.Encrypt([]byte(credential))
		if err != nil {
			return apperrors.InternalError("failed to encrypt credential", err)
		}
	}
	if err := s.store.UpdateUserCredential(ctx, userID, blob); err != nil {
		return apperrors.InternalError("failed to store credential", err)
	}
	return nil
}
