package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Detail  string `json:"detail"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, detail string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Detail:  detail,
		TraceID: traceIDStr,
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// TokenResponse carries a freshly issued token.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenRefreshRequest represents the payload to refresh an access token.
type TokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// DevTokenRequest asks for a token pair in development environments.
type DevTokenRequest struct {
	SubjectID string   `json:"subject_id" binding:"required"`
	Roles     []string `json:"roles"`
}

// LogoutResponse confirms a revocation.
type LogoutResponse struct {
	Message   string    `json:"message"`
	RevokedAt time.Time `json:"revoked_at"`
}

// SubjectRevokeResponse confirms that every earlier token of a subject is revoked.
type SubjectRevokeResponse struct {
	SubjectID string    `json:"subject_id"`
	RevokedAt time.Time `json:"revoked_at"`
}

// RateLimitStatusResponse reports the quota of one identity in one scope.
type RateLimitStatusResponse struct {
	Scope         string    `json:"scope"`
	Identity      string    `json:"identity"`
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"`
	WindowSeconds int       `json:"window_seconds"`
	ResetAt       time.Time `json:"reset_at"`
	Exhausted     bool      `json:"exhausted"`
}

// RateLimitPolicyPayload describes a configured scope.
type RateLimitPolicyPayload struct {
	Scope          string `json:"scope"`
	Limit          int    `json:"limit"`
	WindowSeconds  int    `json:"window_seconds"`
	IdentitySource string `json:"identity_source"`
}

// RateLimitPolicyListResponse wraps the configured scopes.
type RateLimitPolicyListResponse struct {
	Enabled  bool                     `json:"enabled"`
	Policies []RateLimitPolicyPayload `json:"policies"`
}

// CredentialResponse summarises the caller's access token.
type CredentialResponse struct {
	SubjectID string    `json:"subject_id"`
	Roles     []string  `json:"roles,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
