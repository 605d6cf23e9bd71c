package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/webapp-admission/internal/core/domain"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// commonErrorCases apply after a handler's own cases. Writes such as logout
// surface store outages as 503 instead of failing open.
var commonErrorCases = []ErrorCase{
	{Err: domain.ErrStoreUnavailable, Status: http.StatusServiceUnavailable, Message: "admission store unavailable, try again later"},
}

// RespondWithMappedError writes the first matching case. Unmatched errors are
// attached to the gin context so the access log records the cause.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	if cs, ok := matchErrorCase(err, cases); ok {
		c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
		return
	}
	if cs, ok := matchErrorCase(err, commonErrorCases); ok {
		_ = c.Error(err)
		c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
		return
	}

	_ = c.Error(err)
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}

func matchErrorCase(err error, cases []ErrorCase) (ErrorCase, bool) {
	for _, cs := range cases {
		if cs.Err != nil && errors.Is(err, cs.Err) {
			return cs, true
		}
	}
	return ErrorCase{}, false
}
