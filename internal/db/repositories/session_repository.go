package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/proxypal/proxypal/internal/db/models"
)

// SessionRepository handles admin session database operations
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// CreateSession inserts a new session row
func (r *SessionRepository) CreateSession(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC().Truncate(time.Second)
	session.CreatedAt = now
	session.LastAccessed = now

	query := `
		INSERT INTO sessions (id, csrf_token, expires_at, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.CSRFToken,
		fmtTime(session.ExpiresAt),
		fmtTime(session.CreatedAt),
		fmtTime(session.LastAccessed),
	)

	return err
}

// GetSession retrieves a session by its opaque id
func (r *SessionRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, csrf_token, expires_at, created_at, last_accessed
		FROM sessions
		WHERE id = ?
	`

	session := &models.Session{}
	var expiresAt, createdAt, lastAccessed string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.CSRFToken,
		&expiresAt,
		&createdAt,
		&lastAccessed,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if session.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if session.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return nil, err
	}

	return session, nil
}

// ExtendSession slides the expiry forward and stamps last_accessed. The hard
// cap is enforced by the caller, which computes the new expiry.
func (r *SessionRepository) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	query := `UPDATE sessions SET expires_at = ?, last_accessed = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, fmtTime(expiresAt), fmtTime(time.Now()), id)
	return err
}

// DeleteSession removes a session (logout)
func (r *SessionRepository) DeleteSession(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// DeleteExpiredSessions removes all sessions past expiry and returns how many
// rows were swept
func (r *SessionRepository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at <= ?`
	res, err := r.db.ExecContext(ctx, query, fmtTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
