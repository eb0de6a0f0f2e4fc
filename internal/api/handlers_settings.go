package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
)

// Reloader pushes a regenerated config at the routing sidecar after a
// settings write. The supervisor implements it.
type Reloader interface {
	Reload(ctx context.Context) error
}

// SettingsHandler serves the admin-editable server configuration
type SettingsHandler struct {
	settings *repositories.SettingsRepository
	reloader Reloader
	logger   *slog.Logger
}

// NewSettingsHandler creates the settings endpoint handler
func NewSettingsHandler(settings *repositories.SettingsRepository, reloader Reloader, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, reloader: reloader, logger: logger}
}

// Get serves GET /api/config
func (h *SettingsHandler) Get(c *gin.Context) {
	raw, err := h.settings.GetSetting(c.Request.Context(), models.SettingServerConfig)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to load settings")
		return
	}
	cfg, err := models.ParseServerConfig(raw)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "stored settings are corrupt")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Update serves PUT /api/config. Port changes are persisted but only take
// effect on the next process start; everything else is pushed at the sidecar
// immediately. The response carries restart_required so the UI can say which
// case applied.
func (h *SettingsHandler) Update(c *gin.Context) {
	raw, err := h.settings.GetSetting(c.Request.Context(), models.SettingServerConfig)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to load settings")
		return
	}
	current, err := models.ParseServerConfig(raw)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "stored settings are corrupt")
		return
	}

	// Bind over the current config so absent fields keep their values
	next := current
	if err := c.ShouldBindJSON(&next); err != nil {
		httperr.Write(c, httperr.CodeValidationError, "invalid request body")
		return
	}
	if msg, ok := validateServerConfig(next); !ok {
		httperr.Write(c, httperr.CodeValidationError, msg)
		return
	}

	encoded, err := next.Encode()
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to encode settings")
		return
	}
	if err := h.settings.SetSetting(c.Request.Context(), models.SettingServerConfig, encoded); err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to store settings")
		return
	}

	restartRequired := next.RestartRequired(current)
	if !restartRequired && h.reloader != nil {
		if err := h.reloader.Reload(c.Request.Context()); err != nil {
			h.logger.Warn("sidecar reload after settings update failed", "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"config":           next,
		"restart_required": restartRequired,
	})
}

func validateServerConfig(cfg models.ServerConfig) (string, bool) {
	if cfg.ProxyPort < 1 || cfg.ProxyPort > 65535 {
		return "proxy_port must be between 1 and 65535", false
	}
	if cfg.AdminPort < 1 || cfg.AdminPort > 65535 {
		return "admin_port must be between 1 and 65535", false
	}
	if cfg.ProxyPort == cfg.AdminPort {
		return "proxy_port and admin_port must differ", false
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return "log_level must be debug, info, warn, or error", false
	}
	if cfg.RequestsPerMin < 1 {
		return "rpm must be at least 1", false
	}
	for alias, target := range cfg.ModelMappings {
		if alias == "" || target == "" {
			return "model_mappings entries must have non-empty alias and target", false
		}
	}
	return "", true
}
