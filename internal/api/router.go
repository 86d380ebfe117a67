package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilndev/kiln/internal/agents"
	"github.com/kilndev/kiln/internal/common/config"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/environment"
	"github.com/kilndev/kiln/internal/session"
	"github.com/kilndev/kiln/internal/terminal"
)

// HealthCheck probes one dependency's reachability.
type HealthCheck func(ctx context.Context) error

// NewRouter builds the full HTTP surface: the /api group behind bearer
// auth, the terminal websocket (token query auth), and a health probe.
func NewRouter(
	cfg config.ServerConfig,
	authn Authenticator,
	environments *environment.Service,
	sessions *session.Service,
	agentSvc *agents.Service,
	terminals *terminal.Handler,
	checks map[string]HealthCheck,
	log *logger.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS(cfg.CORSOrigin))

	router.GET("/health", healthHandler(checks))

	handler := NewHandler(environments, sessions, agentSvc, log)

	v1 := router.Group("/api")
	v1.Use(RequireAuth(authn))
	{
		envs := v1.Group("/environments")
		{
			envs.POST("", handler.CreateEnvironment)
			envs.GET("/user/:user_id", handler.ListEnvironments)
			envs.GET("/check-name/:user_id/:name", handler.CheckEnvironmentName)
			envs.GET("/:id", handler.GetEnvironment)
			envs.DELETE("/:id", handler.DeleteEnvironment)
		}

		sess := v1.Group("/sessions")
		{
			sess.POST("", handler.CreateSession)
			sess.GET("/environment/:env_id", handler.ListSessions)
			sess.GET("/check-name/:env_id/:name", handler.CheckSessionName)
			sess.GET("/check-branch/:env_id/:branch", handler.CheckSessionBranch)
			sess.GET("/:id", handler.GetSession)
			sess.GET("/:id/status", handler.GetSessionStatus)
			sess.DELETE("/:id", handler.DeleteSession)
		}

		ag := v1.Group("/agents")
		{
			ag.POST("", handler.CreateAgent)
			ag.GET("/user/:user_id", handler.ListAgents)
			ag.DELETE("/:id", handler.DeleteAgent)
		}

		v1.PUT("/users/:user_id/credential", handler.SetUserCredential)
	}

	// the websocket authenticates with a token query parameter because
	// browser websocket clients cannot set headers
	router.GET("/terminal/ws/:session_id", terminals.HandleWS)

	return router
}

// healthHandler probes each dependency with a short deadline and reports
// 503 when any is unreachable.
func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		results := gin.H{}
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
			} else {
				results[name] = "ok"
			}
			cancel()
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "checks": results})
	}
}
