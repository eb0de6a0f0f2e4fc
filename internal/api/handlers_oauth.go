package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/middleware"
)

// OAuthHandler serves the browser-facing provider authorization endpoints.
// Start runs behind session auth; the callback is unauthenticated because the
// provider redirects the browser there, and is validated through the single-use
// state nonce bound to the admin session instead.
type OAuthHandler struct {
	flow      *auth.OAuthFlow
	publicURL string
}

// NewOAuthHandler creates the OAuth endpoint handler. publicURL is where the
// browser lands after the callback settles.
func NewOAuthHandler(flow *auth.OAuthFlow, publicURL string) *OAuthHandler {
	return &OAuthHandler{flow: flow, publicURL: publicURL}
}

// Start serves GET /oauth/:provider/start: mints the state nonce and redirects
// the browser to the provider's authorization page
func (h *OAuthHandler) Start(c *gin.Context) {
	session := middleware.SessionFromContext(c)
	if session == nil {
		httperr.Write(c, httperr.CodeUnauthorized, "authentication required")
		return
	}

	var redirect *string
	if v := c.Query("redirect"); v != "" {
		redirect = &v
	}

	authURL, err := h.flow.Begin(c.Request.Context(), c.Param("provider"), session.ID, redirect)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			httperr.Write(c, httperr.CodeNotFound, "unknown oauth provider")
			return
		}
		httperr.Write(c, httperr.CodeProviderError, "failed to obtain authorization url")
		return
	}

	c.Redirect(http.StatusFound, authURL)
}

// Callback serves GET /oauth/:provider/callback. The browser arrives here from
// the provider; the session cookie is read directly rather than through the
// auth middleware so a missing cookie produces a redirect with an error
// outcome instead of a bare 401 page.
func (h *OAuthHandler) Callback(c *gin.Context) {
	if denied := c.Query("error"); denied != "" {
		h.finish(c, "error", "authorization denied: "+denied)
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		h.finish(c, "error", "missing state or code")
		return
	}

	sessionID, _ := c.Cookie(middleware.SessionCookieName)

	provider, err := h.flow.Complete(c.Request.Context(), state, code, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrStateInvalid):
			h.finish(c, "error", "authorization expired, start again")
		case errors.Is(err, auth.ErrSessionMismatch):
			h.finish(c, "error", "authorization belongs to another session")
		case errors.Is(err, auth.ErrUnknownProvider):
			httperr.Write(c, httperr.CodeNotFound, "unknown oauth provider")
		default:
			h.finish(c, "error", "authorization failed")
		}
		return
	}

	h.finish(c, "success", provider.Name)
}

// finish redirects the browser back to the UI with the outcome in the query
// string, where the frontend surfaces it as a toast
func (h *OAuthHandler) finish(c *gin.Context, outcome, detail string) {
	q := url.Values{}
	q.Set("oauth", outcome)
	if outcome == "success" {
		q.Set("provider", detail)
	} else {
		q.Set("message", detail)
	}
	c.Redirect(http.StatusFound, h.publicURL+"/?"+q.Encode())
}
