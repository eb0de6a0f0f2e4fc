package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/proxypal/proxypal/internal/db/models"
)

// OAuthStateRepository handles OAuth state nonce database operations
type OAuthStateRepository struct {
	db *sql.DB
}

// NewOAuthStateRepository creates a new OAuthStateRepository
func NewOAuthStateRepository(db *sql.DB) *OAuthStateRepository {
	return &OAuthStateRepository{db: db}
}

// CreateState inserts a new state nonce
func (r *OAuthStateRepository) CreateState(ctx context.Context, state *models.OAuthState) error {
	state.CreatedAt = time.Now().UTC().Truncate(time.Second)

	query := `
		INSERT INTO oauth_states (state, provider, admin_session_id, redirect_url, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		state.State,
		state.Provider,
		state.AdminSessionID,
		state.RedirectURL,
		fmtTime(state.CreatedAt),
		fmtTime(state.ExpiresAt),
	)

	return err
}

// ConsumeState fetches and deletes a state nonce in one pass. A nonce is
// single-use: the delete happens whether or not the caller ends up accepting
// the callback, so a replayed state can never match twice.
func (r *OAuthStateRepository) ConsumeState(ctx context.Context, stateValue string) (*models.OAuthState, error) {
	query := `
		SELECT state, provider, admin_session_id, redirect_url, created_at, expires_at
		FROM oauth_states
		WHERE state = ?
	`

	state := &models.OAuthState{}
	var createdAt, expiresAt string
	err := r.db.QueryRowContext(ctx, query, stateValue).Scan(
		&state.State,
		&state.Provider,
		&state.AdminSessionID,
		&state.RedirectURL,
		&createdAt,
		&expiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if state.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if state.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, stateValue); err != nil {
		return nil, err
	}

	return state, nil
}

// DeleteExpiredStates removes all state nonces past expiry
func (r *OAuthStateRepository) DeleteExpiredStates(ctx context.Context) (int64, error) {
	query := `DELETE FROM oauth_states WHERE expires_at <= ?`
	res, err := r.db.ExecContext(ctx, query, fmtTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
