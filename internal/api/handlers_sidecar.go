package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/sidecar"
)

// SidecarController is the lifecycle surface the admin endpoints drive. The
// supervisor implements it; tests substitute a recorder.
type SidecarController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() sidecar.Status
}

// SidecarHandler serves the sidecar lifecycle endpoints under /api/proxy
type SidecarHandler struct {
	supervisor SidecarController
}

// NewSidecarHandler creates the sidecar endpoint handler
func NewSidecarHandler(supervisor SidecarController) *SidecarHandler {
	return &SidecarHandler{supervisor: supervisor}
}

// Status serves GET /api/proxy/status
func (h *SidecarHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.supervisor.Status())
}

// Start serves POST /api/proxy/start. Idempotent when already running.
func (h *SidecarHandler) Start(c *gin.Context) {
	if err := h.supervisor.Start(c.Request.Context()); err != nil {
		httperr.Write(c, httperr.CodeProviderError, "sidecar failed to start")
		return
	}
	c.JSON(http.StatusOK, h.supervisor.Status())
}

// Stop serves POST /api/proxy/stop
func (h *SidecarHandler) Stop(c *gin.Context) {
	if err := h.supervisor.Stop(c.Request.Context()); err != nil {
		httperr.Write(c, httperr.CodeProviderError, "sidecar failed to stop")
		return
	}
	c.JSON(http.StatusOK, h.supervisor.Status())
}

// Restart serves POST /api/proxy/restart
func (h *SidecarHandler) Restart(c *gin.Context) {
	if err := h.supervisor.Restart(c.Request.Context()); err != nil {
		httperr.Write(c, httperr.CodeProviderError, "sidecar failed to restart")
		return
	}
	c.JSON(http.StatusOK, h.supervisor.Status())
}
