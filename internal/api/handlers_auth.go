// Package api wires the HTTP surface: the admin plane under /api, the OAuth
// browser endpoints under /oauth, and the OpenAI-shaped data plane under /v1.
// Handlers translate between HTTP and the service layer; business rules live
// in services, auth, and gateway.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/middleware"
)

// AuthHandler serves the admin session endpoints
type AuthHandler struct {
	sessions     *auth.SessionManager
	cookieSecure bool
}

// NewAuthHandler creates the session endpoint handler. cookieSecure controls
// the Secure attribute on both cookies; disable only for plain-HTTP local use.
func NewAuthHandler(sessions *auth.SessionManager, cookieSecure bool) *AuthHandler {
	return &AuthHandler{sessions: sessions, cookieSecure: cookieSecure}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login verifies the admin password and sets the session and CSRF cookies.
// The session cookie is HttpOnly; the CSRF cookie is readable by the frontend
// so it can echo the token back in the X-CSRF-Token header.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Write(c, httperr.CodeValidationError, "password is required")
		return
	}

	session, err := h.sessions.Login(c.Request.Context(), req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrNotBootstrapped) {
			httperr.Write(c, httperr.CodeUnauthorized, "invalid credentials")
			return
		}
		httperr.Write(c, httperr.CodeInternalError, "login failed")
		return
	}

	maxAge := int(time.Until(session.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.SessionCookieName, session.ID, maxAge, "/", "", h.cookieSecure, true)
	c.SetCookie(middleware.CSRFCookieName, session.CSRFToken, maxAge, "/", "", h.cookieSecure, false)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"expires_at": session.ExpiresAt,
	})
}

// Logout deletes the session and clears both cookies. A request without a
// valid session still gets 200: the end state is the same either way.
func (h *AuthHandler) Logout(c *gin.Context) {
	if cookie, err := c.Cookie(middleware.SessionCookieName); err == nil && cookie != "" {
		if err := h.sessions.Logout(c.Request.Context(), cookie); err != nil {
			httperr.Write(c, httperr.CodeInternalError, "logout failed")
			return
		}
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.SessionCookieName, "", -1, "/", "", h.cookieSecure, true)
	c.SetCookie(middleware.CSRFCookieName, "", -1, "/", "", h.cookieSecure, false)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Status reports whether the caller holds a live session. Unauthenticated
// callers get 200 with authenticated=false, not 401: the frontend polls this
// before deciding whether to show the login screen.
func (h *AuthHandler) Status(c *gin.Context) {
	cookie, err := c.Cookie(middleware.SessionCookieName)
	if err != nil || cookie == "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}

	session, err := h.sessions.Validate(c.Request.Context(), cookie)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "session validation failed")
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"expires_at":    session.ExpiresAt,
	})
}
