// Package repositories implements the data access layer (repository pattern) for the gateway.
// Each repository type encapsulates all database queries for a domain entity.
// Handlers never issue SQL directly — all database access goes through this layer, which makes query logic testable in isolation and prevents accidental cross-domain data access.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/proxypal/proxypal/internal/db/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, name, api_key_hash, api_key_prefix, quota_tokens, used_tokens, enabled, created_at, last_used_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	user := &models.User{}
	var createdAt string
	var lastUsedAt *string
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.APIKeyHash,
		&user.APIKeyPrefix,
		&user.QuotaTokens,
		&user.UsedTokens,
		&user.Enabled,
		&createdAt,
		&lastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if user.LastUsedAt, err = parseTimePtr(lastUsedAt); err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser inserts a new user and fills in its assigned ID
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.CreatedAt = time.Now().UTC().Truncate(time.Second)

	query := `
		INSERT INTO users (name, api_key_hash, api_key_prefix, quota_tokens, used_tokens, enabled, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`

	res, err := r.db.ExecContext(ctx, query,
		user.Name,
		user.APIKeyHash,
		user.APIKeyPrefix,
		user.QuotaTokens,
		user.Enabled,
		fmtTime(user.CreatedAt),
	)
	if err != nil {
		return err
	}

	user.ID, err = res.LastInsertId()
	return err
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByName retrieves a user by display name
func (r *UserRepository) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE name = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByKeyPrefix retrieves a user by the stored sk-<name> key prefix.
// The prefix is unique, so at most one row matches; the caller still has to
// verify the full key against the bcrypt hash.
func (r *UserRepository) GetUserByKeyPrefix(ctx context.Context, prefix string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE api_key_prefix = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, prefix))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateUser updates the mutable subset of a user's fields
func (r *UserRepository) UpdateUser(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET name = ?, quota_tokens = ?, enabled = ?
		WHERE id = ?
	`

	_, err := r.db.ExecContext(ctx, query,
		user.Name,
		user.QuotaTokens,
		user.Enabled,
		user.ID,
	)

	return err
}

// ReplaceAPIKey atomically swaps the stored hash and prefix. The old key
// stops authenticating the moment this statement commits.
func (r *UserRepository) ReplaceAPIKey(ctx context.Context, userID int64, hash, prefix string) error {
	query := `UPDATE users SET api_key_hash = ?, api_key_prefix = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, hash, prefix, userID)
	return err
}

// ResetUsage zeroes used_tokens and returns the previous value
func (r *UserRepository) ResetUsage(ctx context.Context, userID int64) (int64, error) {
	var previous int64
	err := r.db.QueryRowContext(ctx, `SELECT used_tokens FROM users WHERE id = ?`, userID).Scan(&previous)
	if err != nil {
		return 0, err
	}

	_, err = r.db.ExecContext(ctx, `UPDATE users SET used_tokens = 0 WHERE id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return previous, nil
}

// DeleteUser deletes a user (cascades to usage logs)
func (r *UserRepository) DeleteUser(ctx context.Context, userID int64) error {
	query := `DELETE FROM users WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}

// ListUsers retrieves a paginated list of users plus the total count
func (r *UserRepository) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM users`
	err := r.db.QueryRowContext(ctx, countQuery).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}

	return users, total, rows.Err()
}

// Count returns the total number of users
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var total int
	query := `SELECT COUNT(*) FROM users`
	err := r.db.QueryRowContext(ctx, query).Scan(&total)
	return total, err
}
