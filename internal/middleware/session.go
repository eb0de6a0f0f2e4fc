// Package middleware provides the Gin middleware for both planes of the
// gateway.
//
// Admin plane ordering, enforced in router.go:
//
//	Security → RequestID → Metrics → Timeout → SessionAuth → Handler
//
// Data plane ordering:
//
//	Security → RequestID → Metrics → APIKeyAuth → RateLimit → QuotaGate → Handler
//
// Security headers run first so they appear on every response including
// errors. Authentication populates the identity that the rate limiter and
// quota gate key on, so both run after it.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/httperr"
)

// Cookie and header names of the admin session scheme
const (
	SessionCookieName = "session"
	CSRFCookieName    = "csrf_token"
	CSRFHeader        = "X-CSRF-Token"

	// SessionKey is the gin.Context key holding the validated *models.Session
	SessionKey = "admin_session"
)

// SessionAuth validates the admin session cookie and enforces the CSRF
// double-submit check on mutating requests. The csrf_token cookie is readable
// by the frontend, which echoes it back in the X-CSRF-Token header; the
// server compares the header against the token stored with the session, so a
// forged cross-site request that cannot read the cookie cannot produce the
// header.
func SessionAuth(sessions *auth.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Cookie(SessionCookieName)
		if err != nil {
			httperr.Abort(c, httperr.CodeUnauthorized, "authentication required")
			return
		}

		session, err := sessions.Validate(c.Request.Context(), cookie)
		if err != nil {
			httperr.Abort(c, httperr.CodeInternalError, "session validation failed")
			return
		}
		if session == nil {
			httperr.Abort(c, httperr.CodeUnauthorized, "session expired or invalid")
			return
		}

		if isMutating(c.Request.Method) {
			token := c.GetHeader(CSRFHeader)
			if token == "" || token != session.CSRFToken {
				httperr.Abort(c, httperr.CodeForbidden, "CSRF token missing or invalid")
				return
			}
		}

		c.Set(SessionKey, session)
		c.Next()
	}
}

// SessionFromContext returns the session attached by SessionAuth
func SessionFromContext(c *gin.Context) *models.Session {
	v, ok := c.Get(SessionKey)
	if !ok {
		return nil
	}
	session, _ := v.(*models.Session)
	return session
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
