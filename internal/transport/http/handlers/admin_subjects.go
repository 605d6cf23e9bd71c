package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/transport/http/middleware"
)

// SubjectHandler exposes administrative endpoints for subject-wide revocation.
type SubjectHandler struct {
	revocations Revoker
	now         func() time.Time
}

// NewSubjectHandler constructs a new handler instance.
func NewSubjectHandler(revocations Revoker) *SubjectHandler {
	return &SubjectHandler{revocations: revocations, now: func() time.Time { return time.Now().UTC() }}
}

// RevokeSubjectTokens godoc
// @Summary Revoke every token issued to a subject
// @Description Tokens issued before now are rejected until they expire; tokens issued afterwards are unaffected.
// @Tags Subjects
// @Security Bearer
// @Produce json
// @Param subjectId path string true "Subject identifier"
// @Success 202 {object} SubjectRevokeResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/admin/subjects/{subjectId}/revoke-tokens [post]
func (h *SubjectHandler) RevokeSubjectTokens(c *gin.Context) {
	subjectID := strings.TrimSpace(c.Param("subjectId"))
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "subjectId is required"))
		return
	}

	actor := "admin"
	if credential, ok := middleware.GetCredential(c); ok {
		actor = credential.SubjectID
	}

	revokedAt := h.now()
	if err := h.revocations.LogoutAll(c.Request.Context(), domain.Credential{SubjectID: subjectID}, actor); err != nil {
		RespondWithMappedError(c, err, revocationErrorCases, http.StatusInternalServerError, "failed to revoke subject tokens")
		return
	}

	c.JSON(http.StatusAccepted, SubjectRevokeResponse{SubjectID: subjectID, RevokedAt: revokedAt})
}
