// Package api exposes the orchestrator's HTTP surface: environment and
// session CRUD under /api plus the terminal websocket.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilndev/kiln/internal/auth"
	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
)

const principalKey = "principal"

// Authenticator verifies bearer tokens.
type Authenticator interface {
	Authenticate(token string) (*auth.Principal, error)
}

// RequestLogger logs every request with its duration and assigns a
// request id.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("Request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery recovers from panics and returns a 500 envelope.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   "An internal server error occurred",
					"code":    apperrors.ErrCodeInternalError,
				})
			}
		}()
		c.Next()
	}
}

// CORS adds cross-origin headers for the configured origin. An empty
// origin allows any.
func CORS(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequireAuth verifies the bearer token and stores the principal on the
// context.
func RequireAuth(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing bearer token",
				"code":    apperrors.ErrCodeUnauthenticated,
			})
			return
		}

		principal, err := authn.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid bearer token",
				"code":    apperrors.ErrCodeUnauthenticated,
			})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// currentPrincipal returns the authenticated principal set by RequireAuth.
func currentPrincipal(c *gin.Context) *auth.Principal {
	v, _ := c.Get(principalKey)
	principal, _ := v.(*auth.Principal)
	return principal
}
