// Package models - serverconfig.go defines the admin-editable runtime
// configuration stored as JSON under the "server_config" settings key.
package models

import "encoding/json"

// Settings keys
const (
	SettingAdminPasswordHash = "admin_password_hash"
	SettingServerConfig      = "server_config"
)

// ServerConfig is the admin-editable runtime configuration. Changes to
// ProxyPort or AdminPort require a process restart; the rest take effect on
// the next sidecar reload.
type ServerConfig struct {
	ProxyPort      int               `json:"proxy_port"`
	AdminPort      int               `json:"admin_port"`
	LogLevel       string            `json:"log_level"`
	AutoStartProxy bool              `json:"auto_start_proxy"`
	RequestsPerMin int               `json:"rpm"`
	ModelMappings  map[string]string `json:"model_mappings,omitempty"`
}

// DefaultServerConfig returns the configuration used before an admin has
// saved anything
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ProxyPort:      8317,
		AdminPort:      3000,
		LogLevel:       "info",
		AutoStartProxy: true,
		RequestsPerMin: 60,
	}
}

// ParseServerConfig decodes a stored server_config value, falling back to
// defaults for a missing blob
func ParseServerConfig(raw string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultServerConfig(), err
	}
	return cfg, nil
}

// Encode serializes the config for storage
func (c ServerConfig) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// RestartRequired reports whether switching from old to new needs a process
// restart rather than a sidecar reload
func (c ServerConfig) RestartRequired(old ServerConfig) bool {
	return c.ProxyPort != old.ProxyPort || c.AdminPort != old.AdminPort
}
