// Package models - session.go defines admin login sessions and the OAuth state
// records that tie an in-flight provider authorization to the admin session
// that initiated it.
package models

import "time"

// Session is an admin login session. The ID is the opaque cookie value; the
// CSRF token is the double-submit companion.
type Session struct {
	ID           string    `json:"id"`
	CSRFToken    string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Expired reports whether the session is past its expiry at the given instant
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OAuthState is a short-lived nonce binding an OAuth redirect to the admin
// session that started it
type OAuthState struct {
	State          string    `json:"state"`
	Provider       string    `json:"provider"`
	AdminSessionID string    `json:"-"`
	RedirectURL    *string   `json:"redirect_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the state nonce is past its expiry
func (o *OAuthState) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
