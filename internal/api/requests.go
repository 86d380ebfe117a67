package api

import "time"

// createEnvironmentRequest is the body of POST /api/environments.
type createEnvironmentRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Name          string `json:"name" binding:"required"`
	RepositoryURL string `json:"repository_url"`
	Branch        string `json:"branch"`
}

// createSessionRequest is the body of POST /api/sessions.
type createSessionRequest struct {
	EnvironmentID    string `json:"environment_id" binding:"required"`
	Name             string `json:"name"`
	Branch           string `json:"branch"`
	WorkingDirectory string `json:"working_directory"`
	SessionType      string `json:"session_type"`
	AgentID          string `json:"agent_id"`
}

// createAgentRequest is the body of POST /api/agents.
type createAgentRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Type       string `json:"type" binding:"required"`
	Credential string `json:"credential"`
}

// userCredentialRequest is the body of PUT /api/users/:user_id/credential.
type userCredentialRequest struct {
	Credential string `json:"credential"`
}

// sessionStatusResponse is the body of GET /api/sessions/:id/status.
type sessionStatusResponse struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	IsRealtime bool      `json:"is_realtime"`
	CheckedAt  time.Time `json:"checked_at"`
}
