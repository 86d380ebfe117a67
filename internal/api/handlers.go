package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kilndev/kiln/internal/agents"
	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/environment"
	"github.com/kilndev/kiln/internal/session"
	"github.com/kilndev/kiln/internal/store"
)

// Handler contains the HTTP handlers for environments, sessions, and agents.
type Handler struct {
	environments *environment.Service
	sessions     *session.Service
	agents       *agents.Service
	logger       *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(environments *environment.Service, sessions *session.Service, agentSvc *agents.Service, log *logger.Logger) *Handler {
	return &Handler{
		environments: environments,
		sessions:     sessions,
		agents:       agentSvc,
		logger:       log.WithFields(zap.String("component", "api")),
	}
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("An internal server error occurred", err)
	}

	body := gin.H{
		"success": false,
		"error":   appErr.Message,
		"code":    appErr.Code,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	c.JSON(appErr.HTTPStatus, body)
}

// CreateEnvironment handles POST /api/environments.
func (h *Handler) CreateEnvironment(c *gin.Context) {
	var req createEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("user_id and name are required"))
		return
	}
	if principal := currentPrincipal(c); principal != nil && principal.UserID != req.UserID {
		respondError(c, apperrors.AccessDenied("cannot create environments for another user"))
		return
	}

	env, err := h.environments.Create(c.Request.Context(), environment.CreateRequest{
		UserID:        req.UserID,
		Name:          req.Name,
		RepositoryURL: req.RepositoryURL,
		Branch:        req.Branch,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, env)
}

// ListEnvironments handles GET /api/environments/user/:user_id.
func (h *Handler) ListEnvironments(c *gin.Context) {
	userID := c.Param("user_id")
	if principal := currentPrincipal(c); principal != nil && principal.UserID != userID {
		respondError(c, apperrors.AccessDenied("cannot list environments of another user"))
		return
	}

	envs, err := h.environments.ListForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"environments": envs})
}

// GetEnvironment handles GET /api/environments/:id.
func (h *Handler) GetEnvironment(c *gin.Context) {
	env, err := h.ownedEnvironment(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, env)
}

// CheckEnvironmentName handles GET /api/environments/check-name/:user_id/:name.
func (h *Handler) CheckEnvironmentName(c *gin.Context) {
	avail, err := h.environments.CheckName(c.Request.Context(), c.Param("user_id"), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, avail)
}

// DeleteEnvironment handles DELETE /api/environments/:id.
func (h *Handler) DeleteEnvironment(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.ownedEnvironment(c, id); err != nil {
		respondError(c, err)
		return
	}

	if err := h.environments.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"deleted": true})
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("environment_id is required"))
		return
	}
	if _, err := h.ownedEnvironment(c, req.EnvironmentID); err != nil {
		respondError(c, err)
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateRequest{
		EnvironmentID:    req.EnvironmentID,
		Name:             req.Name,
		Branch:           req.Branch,
		WorkingDirectory: req.WorkingDirectory,
		SessionType:      req.SessionType,
		AgentID:          req.AgentID,
	})
	if err != nil {
		respondError(c, sessionConflictCode(err))
		return
	}
	respond(c, sess)
}

// sessionConflictCode renames generic name conflicts on the session surface
// so clients can tell them apart from environment name conflicts.
func sessionConflictCode(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code == apperrors.ErrCodeNameInUse {
		renamed := *appErr
		renamed.Code = "SESSION_NAME_IN_USE"
		return &renamed
	}
	return err
}

// ListSessions handles GET /api/sessions/environment/:env_id.
func (h *Handler) ListSessions(c *gin.Context) {
	envID := c.Param("env_id")
	if _, err := h.ownedEnvironment(c, envID); err != nil {
		respondError(c, err)
		return
	}

	sessions, err := h.sessions.List(c.Request.Context(), envID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"sessions": sessions})
}

// GetSession handles GET /api/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.ownedSession(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, sess)
}

// GetSessionStatus handles GET /api/sessions/:id/status.
func (h *Handler) GetSessionStatus(c *gin.Context) {
	sess, err := h.ownedSession(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, sessionStatusResponse{
		SessionID:  sess.ID,
		Status:     sess.Status,
		IsRealtime: sess.Status == store.SessionStatusActive,
		CheckedAt:  time.Now().UTC(),
	})
}

// CheckSessionName handles GET /api/sessions/check-name/:env_id/:name.
func (h *Handler) CheckSessionName(c *gin.Context) {
	envID := c.Param("env_id")
	if _, err := h.ownedEnvironment(c, envID); err != nil {
		respondError(c, err)
		return
	}

	avail, err := h.sessions.CheckName(c.Request.Context(), envID, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, avail)
}

// CheckSessionBranch handles GET /api/sessions/check-branch/:env_id/:branch.
func (h *Handler) CheckSessionBranch(c *gin.Context) {
	envID := c.Param("env_id")
	if _, err := h.ownedEnvironment(c, envID); err != nil {
		respondError(c, err)
		return
	}

	avail, err := h.sessions.CheckBranch(c.Request.Context(), envID, c.Param("branch"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, avail)
}

// DeleteSession handles DELETE /api/sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.ownedSession(c, id); err != nil {
		respondError(c, err)
		return
	}

	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"deleted": true})
}

// CreateAgent handles POST /api/agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("user_id, name, and type are required"))
		return
	}
	if principal := currentPrincipal(c); principal != nil && principal.UserID != req.UserID {
		respondError(c, apperrors.AccessDenied("cannot create agents for another user"))
		return
	}

	agent, err := h.agents.Create(c.Request.Context(), agents.CreateRequest{
		UserID:     req.UserID,
		Name:       req.Name,
		Type:       req.Type,
		Credential: req.Credential,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, agent)
}

// ListAgents handles GET /api/agents/user/:user_id.
func (h *Handler) ListAgents(c *gin.Context) {
	userID := c.Param("user_id")
	if principal := currentPrincipal(c); principal != nil && principal.UserID != userID {
		respondError(c, apperrors.AccessDenied("cannot list agents of another user"))
		return
	}

	list, err := h.agents.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"agents": list})
}

// DeleteAgent handles DELETE /api/agents/:id.
func (h *Handler) DeleteAgent(c *gin.Context) {
	id := c.Param("id")
	agent, err := h.agents.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if principal := currentPrincipal(c); principal != nil && principal.UserID != agent.UserID {
		respondError(c, apperrors.AccessDenied("agent belongs to another user"))
		return
	}

	if err := h.agents.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"deleted": true})
}

// SetUserCredential handles PUT /api/users/:user_id/credential.
func (h *Handler) SetUserCredential(c *gin.Context) {
	userID := c.Param("user_id")
	if principal := currentPrincipal(c); principal != nil && principal.UserID != userID {
		respondError(c, apperrors.AccessDenied("cannot set credentials for another user"))
		return
	}

	var req userCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	if err := h.agents.SetUserVCSCredential(c.Request.Context(), userID, req.Credential); err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"updated": true})
}

// ownedEnvironment loads the environment and enforces that the principal
// owns it.
func (h *Handler) ownedEnvironment(c *gin.Context, envID string) (*store.Environment, error) {
	env, err := h.environments.Get(c.Request.Context(), envID)
	if err != nil {
		return nil, err
	}
	if principal := currentPrincipal(c); principal != nil && principal.UserID != env.UserID {
		return nil, apperrors.AccessDenied("environment belongs to another user")
	}
	return env, nil
}

// ownedSession loads the session and enforces ownership through its
// environment.
func (h *Handler) ownedSession(c *gin.Context, sessionID string) (*store.Session, error) {
	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := h.ownedEnvironment(c, sess.EnvironmentID); err != nil {
		return nil, err
	}
	return sess, nil
}
