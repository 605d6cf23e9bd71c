package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/security"
	"github.com/arklim/webapp-admission/internal/transport/http/middleware"
	"github.com/arklim/webapp-admission/internal/usecase"
)

// TokenService issues and verifies bearer tokens.
type TokenService interface {
	Issue(subject string, tokenType domain.TokenType, roles []string) (string, domain.Credential, error)
	Parse(raw string, expected domain.TokenType) (domain.Credential, error)
}

// Revoker revokes tokens and checks revocation status.
type Revoker interface {
	Logout(ctx context.Context, credential domain.Credential, actor string) error
	LogoutAll(ctx context.Context, credential domain.Credential, actor string) error
	IsCredentialRevoked(ctx context.Context, credential domain.Credential) (bool, error)
}

// AuthHandler exposes token lifecycle endpoints.
type AuthHandler struct {
	tokens      TokenService
	revocations Revoker
	isDev       bool
	now         func() time.Time
}

// AuthHandlerOption configures optional AuthHandler dependencies.
type AuthHandlerOption func(*AuthHandler)

// WithDevMode toggles development-only behaviour (issuing tokens without credentials).
func WithDevMode(isDev bool) AuthHandlerOption {
	return func(h *AuthHandler) {
		h.isDev = isDev
	}
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(tokens TokenService, revocations Revoker, opts ...AuthHandlerOption) *AuthHandler {
	handler := &AuthHandler{
		tokens:      tokens,
		revocations: revocations,
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}

	return handler
}

// DevMode reports whether development-only routes should be registered.
func (h *AuthHandler) DevMode() bool {
	return h.isDev
}

var revocationErrorCases = []ErrorCase{
	{Err: usecase.ErrTokenIDRequired, Status: http.StatusBadRequest, Message: "token has no identifier"},
	{Err: usecase.ErrSubjectIDRequired, Status: http.StatusBadRequest, Message: "token has no subject"},
}

// Logout godoc
// @Summary Revoke the presented access token
// @Tags Auth
// @Security Bearer
// @Produce json
// @Success 200 {object} LogoutResponse
// @Failure 401 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	credential, ok := middleware.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	if err := h.revocations.Logout(c.Request.Context(), credential, credential.SubjectID); err != nil {
		RespondWithMappedError(c, err, revocationErrorCases, http.StatusInternalServerError, "failed to revoke token")
		return
	}

	c.JSON(http.StatusOK, LogoutResponse{Message: "Logged out", RevokedAt: h.now()})
}

// LogoutAll godoc
// @Summary Revoke every token of the authenticated subject
// @Tags Auth
// @Security Bearer
// @Produce json
// @Success 200 {object} LogoutResponse
// @Failure 401 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/auth/logout-all [post]
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	credential, ok := middleware.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	if err := h.revocations.LogoutAll(c.Request.Context(), credential, credential.SubjectID); err != nil {
		RespondWithMappedError(c, err, revocationErrorCases, http.StatusInternalServerError, "failed to revoke tokens")
		return
	}

	c.JSON(http.StatusOK, LogoutResponse{Message: "Logged out from all sessions", RevokedAt: h.now()})
}

// Refresh godoc
// @Summary Exchange a refresh token for a new access token
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body TokenRefreshRequest true "Refresh token"
// @Success 200 {object} TokenResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req TokenRefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	credential, err := h.tokens.Parse(req.RefreshToken, domain.TokenTypeRefresh)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: security.ErrTokenExpired, Status: http.StatusUnauthorized, Message: "refresh token expired"},
			{Err: security.ErrWrongTokenType, Status: http.StatusUnauthorized, Message: "refresh token required"},
		}, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	// Refresh is an explicit credential check, so a store outage is an error here.
	revoked, err := h.revocations.IsCredentialRevoked(c.Request.Context(), credential)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to verify refresh token")
		return
	}
	if revoked {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "Token has been revoked"))
		return
	}

	access, issued, err := h.tokens.Issue(credential.SubjectID, domain.TokenTypeAccess, credential.Roles)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to issue access token"))
		return
	}

	c.JSON(http.StatusOK, h.tokenResponse(access, "", issued))
}

// DevToken issues an access and refresh token pair without credentials. Only routed in development.
func (h *AuthHandler) DevToken(c *gin.Context) {
	if !h.isDev {
		c.JSON(http.StatusNotFound, NewErrorResponse(c, "not found"))
		return
	}

	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	access, issued, err := h.tokens.Issue(req.SubjectID, domain.TokenTypeAccess, req.Roles)
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, err.Error()))
		return
	}
	refresh, _, err := h.tokens.Issue(req.SubjectID, domain.TokenTypeRefresh, req.Roles)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to issue refresh token"))
		return
	}

	c.JSON(http.StatusCreated, h.tokenResponse(access, refresh, issued))
}

func (h *AuthHandler) tokenResponse(access, refresh string, issued domain.Credential) TokenResponse {
	expiresIn := int(issued.RemainingLifetime(h.now()) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		ExpiresAt:    issued.ExpiresAt,
	}
}

// Me godoc
// @Summary Describe the authenticated credential
// @Tags Auth
// @Security Bearer
// @Produce json
// @Success 200 {object} CredentialResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /api/v1/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	credential, ok := middleware.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	c.JSON(http.StatusOK, CredentialResponse{
		SubjectID: credential.SubjectID,
		Roles:     credential.Roles,
		IssuedAt:  credential.IssuedAt,
		ExpiresAt: credential.ExpiresAt,
	})
}
