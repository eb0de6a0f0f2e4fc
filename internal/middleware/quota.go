package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/telemetry"
)

// QuotaGate rejects data-plane requests from users whose token quota is
// already spent. The check reads the usage counter loaded at authentication
// time; usage recorded by an in-flight request only affects the next one, so
// a user can overshoot by at most one request per concurrent stream.
func QuotaGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := UserFromContext(c)
		if user == nil {
			httperr.Abort(c, httperr.CodeInternalError, "quota gate requires an authenticated user")
			return
		}

		if user.QuotaExhausted() {
			telemetry.QuotaExceededTotal.Inc()
			httperr.Abort(c, httperr.CodeQuotaExceeded, "token quota exhausted")
			return
		}

		c.Next()
	}
}
