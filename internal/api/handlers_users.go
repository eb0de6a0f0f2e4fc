package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/services"
)

// UserHandler serves the tenant CRUD endpoints under /api/users
type UserHandler struct {
	users *services.UserManager
}

// NewUserHandler creates the user endpoint handler
func NewUserHandler(users *services.UserManager) *UserHandler {
	return &UserHandler{users: users}
}

// writeUserError maps the user manager's sentinel errors onto the envelope
func writeUserError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		httperr.Write(c, httperr.CodeNotFound, "user not found")
	case errors.Is(err, services.ErrDuplicateName):
		httperr.Write(c, httperr.CodeConflict, "user name already taken")
	case errors.Is(err, services.ErrInvalidName):
		httperr.Write(c, httperr.CodeValidationError, "invalid user name")
	case errors.Is(err, services.ErrInvalidQuota):
		httperr.Write(c, httperr.CodeValidationError, "quota must be positive")
	default:
		httperr.Write(c, httperr.CodeInternalError, "user operation failed")
	}
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		httperr.Write(c, httperr.CodeValidationError, "invalid user id")
		return 0, false
	}
	return id, true
}

// List serves GET /api/users with limit/offset pagination
func (h *UserHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	users, total, err := h.users.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "total": total})
}

type createUserRequest struct {
	Name        string `json:"name" binding:"required"`
	QuotaTokens *int64 `json:"quota_tokens"`
}

// Create serves POST /api/users. The response is the only place the plaintext
// API key ever appears.
func (h *UserHandler) Create(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Write(c, httperr.CodeValidationError, "name is required")
		return
	}

	created, err := h.users.Create(c.Request.Context(), req.Name, req.QuotaTokens)
	if err != nil {
		writeUserError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Get serves GET /api/users/:id
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	user, err := h.users.Get(c.Request.Context(), id)
	if err != nil {
		writeUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type updateUserRequest struct {
	Name        *string `json:"name"`
	QuotaTokens *int64  `json:"quota_tokens"`
	ClearQuota  bool    `json:"clear_quota"`
	Enabled     *bool   `json:"enabled"`
}

// Update serves PUT /api/users/:id with partial semantics: absent fields stay
// unchanged, clear_quota removes the limit entirely.
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}

	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Write(c, httperr.CodeValidationError, "invalid request body")
		return
	}

	user, err := h.users.Update(c.Request.Context(), id, services.UserUpdate{
		Name:        req.Name,
		QuotaTokens: req.QuotaTokens,
		ClearQuota:  req.ClearQuota,
		Enabled:     req.Enabled,
	})
	if err != nil {
		writeUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Delete serves DELETE /api/users/:id
func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	if err := h.users.Delete(c.Request.Context(), id); err != nil {
		writeUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RegenerateKey serves POST /api/users/:id/regenerate-key. The old key stops
// working as soon as the key swap commits, before the response is written.
func (h *UserHandler) RegenerateKey(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	created, err := h.users.RegenerateKey(c.Request.Context(), id)
	if err != nil {
		writeUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

// ResetUsage serves POST /api/users/:id/reset-usage and returns the counter
// value that was discarded
func (h *UserHandler) ResetUsage(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	previous, err := h.users.ResetUsage(c.Request.Context(), id)
	if err != nil {
		writeUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "previous_tokens": previous})
}
