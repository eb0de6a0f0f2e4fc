package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/safego"
)

// Session validation outcomes surfaced to handlers
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNotBootstrapped    = errors.New("auth: admin password not initialized")
)

// SessionManager owns the admin session lifecycle: login, sliding validation,
// logout, and the background sweep of expired rows.
type SessionManager struct {
	sessions *repositories.SessionRepository
	settings *repositories.SettingsRepository
	ttl      time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewSessionManager creates a session manager. ttl is the sliding window
// extended on every authenticated request; maxAge is the hard cap measured
// from session creation that sliding can never exceed.
func NewSessionManager(
	sessions *repositories.SessionRepository,
	settings *repositories.SettingsRepository,
	ttl, maxAge time.Duration,
	logger *slog.Logger,
) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		settings: settings,
		ttl:      ttl,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// EnsureAdminPassword performs the one-way bootstrap of the admin password
// digest. Once a digest exists in settings it is never overwritten from the
// environment; changing the password afterwards goes through the API.
func (m *SessionManager) EnsureAdminPassword(ctx context.Context, plaintext string) error {
	exists, err := m.settings.HasSetting(ctx, models.SettingAdminPasswordHash)
	if err != nil {
		return fmt.Errorf("check admin password: %w", err)
	}
	if exists {
		return nil
	}
	if plaintext == "" {
		return nil
	}

	hash, err := HashPassword(plaintext)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := m.settings.SetSetting(ctx, models.SettingAdminPasswordHash, hash); err != nil {
		return fmt.Errorf("store admin password: %w", err)
	}
	m.logger.Info("admin password initialized from environment")
	return nil
}

// Login verifies the admin password and mints a new session. The returned
// session carries both the opaque cookie value and the CSRF companion token.
func (m *SessionManager) Login(ctx context.Context, password string) (*models.Session, error) {
	hash, err := m.settings.GetSetting(ctx, models.SettingAdminPasswordHash)
	if err != nil {
		return nil, fmt.Errorf("read admin password: %w", err)
	}
	if hash == "" {
		return nil, ErrNotBootstrapped
	}
	if !VerifyPassword(password, hash) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC().Truncate(time.Second)
	session := &models.Session{
		ID:        uuid.NewString(),
		CSRFToken: uuid.NewString(),
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Validate resolves a cookie value to a live session, sliding its expiry
// forward. Returns (nil, nil) for unknown or expired sessions; expired rows
// are deleted eagerly so the cookie cannot be replayed against the sweep gap.
func (m *SessionManager) Validate(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, nil
	}

	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	if session.Expired(now) {
		if err := m.sessions.DeleteSession(ctx, id); err != nil {
			m.logger.Warn("failed to delete expired session", "error", err)
		}
		return nil, nil
	}

	// Slide the expiry, but never past the hard cap from creation time.
	next := now.Add(m.ttl)
	if hardCap := session.CreatedAt.Add(m.maxAge); next.After(hardCap) {
		next = hardCap
	}
	if next.After(session.ExpiresAt) {
		if err := m.sessions.ExtendSession(ctx, id, next); err != nil {
			m.logger.Warn("failed to extend session", "error", err)
		} else {
			session.ExpiresAt = next
		}
	}

	return session, nil
}

// Logout deletes the session
func (m *SessionManager) Logout(ctx context.Context, id string) error {
	return m.sessions.DeleteSession(ctx, id)
}

// StartSweeper launches the periodic removal of expired sessions. The loop
// stops when ctx is cancelled.
func (m *SessionManager) StartSweeper(ctx context.Context, interval time.Duration) {
	safego.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := m.sessions.DeleteExpiredSessions(ctx)
				if err != nil {
					m.logger.Warn("session sweep failed", "error", err)
					continue
				}
				if swept > 0 {
					m.logger.Debug("swept expired sessions", "count", swept)
				}
			}
		}
	})
}
