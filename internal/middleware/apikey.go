package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
)

// UserKey is the gin.Context key holding the authenticated *models.User
const UserKey = "user"

// APIKeyAuth authenticates data-plane requests. The chain is: Bearer header
// present, key shaped sk-<name>-<random>, prefix resolves to a user, bcrypt
// digest matches, user enabled. The prefix lookup narrows the candidate to
// one row before the expensive bcrypt comparison runs.
func APIKeyAuth(users *repositories.UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := auth.ExtractAPIKeyFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			httperr.Abort(c, httperr.CodeUnauthorized, "missing or malformed authorization header")
			return
		}

		prefix, err := auth.ExtractKeyPrefix(key)
		if err != nil {
			httperr.Abort(c, httperr.CodeUnauthorized, "malformed API key")
			return
		}

		user, err := users.GetUserByKeyPrefix(c.Request.Context(), prefix)
		if err != nil {
			httperr.Abort(c, httperr.CodeInternalError, "authentication failed")
			return
		}
		if user == nil || !auth.ValidateAPIKey(key, user.APIKeyHash) {
			httperr.Abort(c, httperr.CodeUnauthorized, "invalid API key")
			return
		}

		if !user.Enabled {
			httperr.Abort(c, httperr.CodeForbidden, "user is disabled")
			return
		}

		c.Set(UserKey, user)
		c.Next()
	}
}

// UserFromContext returns the user attached by APIKeyAuth
func UserFromContext(c *gin.Context) *models.User {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}
