// Package models - provider.go defines upstream AI providers and their
// credential accounts. Account token blobs are opaque ciphertext; only the
// crypto package ever sees plaintext.
package models

import (
	"encoding/json"
	"time"
)

// Provider kinds
const (
	ProviderTypeOAuth  = "oauth"
	ProviderTypeAPIKey = "api_key"
)

// Provider account statuses
const (
	AccountStatusActive  = "active"
	AccountStatusExpired = "expired"
	AccountStatusRevoked = "revoked"
)

// Load balancing policies accepted in provider settings
const (
	LoadBalancingRoundRobin = "round_robin"
	LoadBalancingLeastUsed  = "least_used"
)

// Provider represents a logical upstream (claude, openai, gemini, ...)
type Provider struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Enabled   bool      `json:"enabled"`
	Settings  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderSettings is the enumerated shape of the settings blob
type ProviderSettings struct {
	LoadBalancing  string            `json:"load_balancing,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	RequestRetry   int               `json:"request_retry,omitempty"`
	ModelMappings  map[string]string `json:"model_mappings,omitempty"`
}

// ParseSettings decodes the settings blob. An empty blob yields zero settings.
func (p *Provider) ParseSettings() (ProviderSettings, error) {
	var s ProviderSettings
	if p.Settings == "" || p.Settings == "{}" {
		return s, nil
	}
	err := json.Unmarshal([]byte(p.Settings), &s)
	return s, err
}

// Valid reports whether the settings values are in their enumerated domains
func (s ProviderSettings) Valid() bool {
	switch s.LoadBalancing {
	case "", LoadBalancingRoundRobin, LoadBalancingLeastUsed:
	default:
		return false
	}
	return s.TimeoutSeconds >= 0 && s.RequestRetry >= 0
}

// ProviderAccount is one credential belonging to a provider. Tokens holds the
// AES-GCM ciphertext of the provider-specific access/refresh token JSON.
type ProviderAccount struct {
	ID         int64      `json:"id"`
	ProviderID int64      `json:"provider_id"`
	AccountID  string     `json:"account_id"`
	Tokens     string     `json:"-"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AccountTokens is the plaintext shape sealed into ProviderAccount.Tokens
type AccountTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Expiry       string `json:"expiry,omitempty"`
}

// ProviderWithAccounts is the admin detail view
type ProviderWithAccounts struct {
	Provider
	Accounts     []*ProviderAccount `json:"accounts"`
	AccountCount int                `json:"account_count"`
}
