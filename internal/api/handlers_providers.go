package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/services"
)

// ProviderHandler serves the upstream provider endpoints under /api/providers
type ProviderHandler struct {
	providers *services.ProviderManager
}

// NewProviderHandler creates the provider endpoint handler
func NewProviderHandler(providers *services.ProviderManager) *ProviderHandler {
	return &ProviderHandler{providers: providers}
}

func writeProviderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrProviderNotFound):
		httperr.Write(c, httperr.CodeNotFound, "provider not found")
	case errors.Is(err, services.ErrAccountNotFound):
		httperr.Write(c, httperr.CodeNotFound, "provider account not found")
	case errors.Is(err, services.ErrInvalidSettings):
		httperr.Write(c, httperr.CodeValidationError, "invalid provider settings")
	default:
		httperr.Write(c, httperr.CodeInternalError, "provider operation failed")
	}
}

// List serves GET /api/providers with per-provider account counts
func (h *ProviderHandler) List(c *gin.Context) {
	providers, err := h.providers.List(c.Request.Context())
	if err != nil {
		writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// Get serves GET /api/providers/:name with the provider's accounts expanded
func (h *ProviderHandler) Get(c *gin.Context) {
	name := c.Param("name")
	provider, err := h.providers.GetDetails(c.Request.Context(), name)
	if err != nil {
		writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, provider)
}

// UpdateSettings serves PUT /api/providers/:name/settings. The sidecar config
// is regenerated after the write commits.
func (h *ProviderHandler) UpdateSettings(c *gin.Context) {
	name := c.Param("name")

	var settings models.ProviderSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		httperr.Write(c, httperr.CodeValidationError, "invalid request body")
		return
	}

	provider, err := h.providers.UpdateSettings(c.Request.Context(), name, settings)
	if err != nil {
		writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, provider)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetEnabled serves POST /api/providers/:name/enable
func (h *ProviderHandler) SetEnabled(c *gin.Context) {
	name := c.Param("name")

	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Write(c, httperr.CodeValidationError, "enabled is required")
		return
	}

	if err := h.providers.SetEnabled(c.Request.Context(), name, *req.Enabled); err != nil {
		writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": *req.Enabled})
}

// DeleteAccount serves DELETE /api/providers/:name/accounts/:accountID
func (h *ProviderHandler) DeleteAccount(c *gin.Context) {
	name := c.Param("name")
	accountID, err := strconv.ParseInt(c.Param("accountID"), 10, 64)
	if err != nil || accountID < 1 {
		httperr.Write(c, httperr.CodeValidationError, "invalid account id")
		return
	}

	if err := h.providers.DeleteAccount(c.Request.Context(), name, accountID); err != nil {
		writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HealthCheck serves GET /api/providers/:name/health: each active account
// annotated with the sidecar's credential probe
func (h *ProviderHandler) HealthCheck(c *gin.Context) {
	name := c.Param("name")
	health, err := h.providers.HealthCheck(c.Request.Context(), name)
	if err != nil {
		writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": health})
}
