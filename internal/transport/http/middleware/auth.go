package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/security"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Detail  string `json:"detail"`
	TraceID string `json:"trace_id,omitempty"`
}

// newErrorResponse creates an error response with trace ID
func newErrorResponse(c *gin.Context, detail string) ErrorResponse {
	return ErrorResponse{
		Detail:  detail,
		TraceID: GetTraceID(c),
	}
}

// TokenParser verifies a bearer token and returns the credential it carries.
type TokenParser interface {
	Parse(raw string, expected domain.TokenType) (domain.Credential, error)
}

// RequireAuth validates the Authorization header and stores the access token credential.
func RequireAuth(parser TokenParser) gin.HandlerFunc {
	return authenticate(parser, true)
}

// OptionalAuth behaves like RequireAuth when a bearer token is present and passes anonymous requests through.
func OptionalAuth(parser TokenParser) gin.HandlerFunc {
	return authenticate(parser, false)
}

func authenticate(parser TokenParser, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if !required {
				c.Next()
				return
			}
			unauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(c, "invalid authorization format: expected 'Bearer <token>'")
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			unauthorized(c, "missing access token")
			return
		}

		credential, err := parser.Parse(token, domain.TokenTypeAccess)
		if err != nil {
			switch {
			case errors.Is(err, security.ErrTokenExpired):
				unauthorized(c, "access token expired")
			case errors.Is(err, security.ErrWrongTokenType):
				unauthorized(c, "access token required")
			default:
				unauthorized(c, "invalid access token")
			}
			return
		}

		c.Set(CredentialKey, credential)
		c.Next()
	}
}

// RequireRole checks if the authenticated subject has any of the specified roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, ok := GetCredential(c)
		if !ok {
			unauthorized(c, "authentication required")
			return
		}

		for _, role := range roles {
			if credential.HasRole(role) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, newErrorResponse(c, "insufficient permissions"))
	}
}

func unauthorized(c *gin.Context, detail string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, detail))
}
