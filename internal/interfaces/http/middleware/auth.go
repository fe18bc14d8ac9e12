// Package middleware holds the gin middleware chain: authentication, request
// logging, CORS, and rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/internal/auth"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/interfaces/http/handlers"
	"github.com/molforge/molforge/pkg/errors"
)

// Authenticator turns a bearer token into a caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Actor, error)
}

// AuthMiddleware extracts and verifies the Authorization header.
type AuthMiddleware struct {
	authenticator Authenticator
	logger        logging.Logger
}

func NewAuthMiddleware(authenticator Authenticator, logger logging.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
		logger:        logger.Named("http_auth"),
	}
}

// Require rejects requests without a valid bearer token.
func (m *AuthMiddleware) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		actor, err := m.authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			// Verification details stay in the log, not the response.
			m.logger.Debug("token rejected",
				logging.String("path", c.FullPath()), logging.Err(err))
			unauthorized(c, "invalid or expired credentials")
			return
		}
		handlers.SetActor(c, actor)
		c.Next()
	}
}

// Optional verifies credentials when present and continues anonymously when
// absent.  An invalid token is still rejected.
func (m *AuthMiddleware) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			handlers.SetActor(c, auth.Anonymous)
			c.Next()
			return
		}
		actor, err := m.authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			unauthorized(c, "invalid or expired credentials")
			return
		}
		handlers.SetActor(c, actor)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func unauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", `Bearer realm="molforge"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorBody{
		Code:    string(errors.ErrCodeUnauthorized),
		Message: message,
	})
}
