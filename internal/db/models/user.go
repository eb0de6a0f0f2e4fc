// Package models - user.go defines the User model for gateway accounts. A user
// is a data-plane identity: the raw API key is never stored, only its bcrypt
// hash plus the sk-<name> prefix used for indexed lookup and UI display.
package models

import "time"

// User represents a data-plane user of the gateway
type User struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	APIKeyHash   string     `json:"-"`
	APIKeyPrefix string     `json:"api_key_prefix"`
	QuotaTokens  *int64     `json:"quota_tokens"`
	UsedTokens   int64      `json:"used_tokens"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// QuotaExhausted reports whether the user has consumed their full token quota.
// A user without a quota is never exhausted.
func (u *User) QuotaExhausted() bool {
	return u.QuotaTokens != nil && u.UsedTokens >= *u.QuotaTokens
}

// RemainingTokens returns the number of tokens left under the quota, or nil
// when the user is unlimited.
func (u *User) RemainingTokens() *int64 {
	if u.QuotaTokens == nil {
		return nil
	}
	remaining := *u.QuotaTokens - u.UsedTokens
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}
