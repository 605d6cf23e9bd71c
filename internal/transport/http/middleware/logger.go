package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/core/domain"
	appLogger "github.com/arklim/webapp-admission/internal/infra/logger"
)

// Logger writes one access log line per request. Admission rejections log at warn
// with the scope and reason so throttling shows up without enabling debug output.
func Logger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("trace_id", GetTraceID(c)),
			zap.String("request_id", requestIDFromContext(c.Request.Context())),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", appLogger.MaskIP(c.ClientIP())),
		}

		if credential, ok := GetCredential(c); ok {
			fields = append(fields, zap.String("subject_id", appLogger.MaskString(credential.SubjectID)))
		}

		decision, admitted := admissionDecision(c)
		if admitted {
			fields = append(fields,
				zap.String("admission_scope", decision.Scope),
				zap.String("admission_reason", string(decision.Reason)),
			)
		}

		switch {
		case len(c.Errors) > 0:
			log.Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
		case status >= http.StatusInternalServerError:
			log.Error("request completed", fields...)
		case admitted && !decision.Allowed:
			log.Warn("request rejected by admission control", fields...)
		default:
			log.Info("request completed", fields...)
		}
	}
}

func admissionDecision(c *gin.Context) (domain.AdmissionDecision, bool) {
	value, ok := c.Get(AdmissionDecisionKey)
	if !ok {
		return domain.AdmissionDecision{}, false
	}
	decision, ok := value.(domain.AdmissionDecision)
	return decision, ok
}
