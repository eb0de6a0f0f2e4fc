package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/proxypal/proxypal/internal/db/models"
)

// AccountRepository handles provider account database operations
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, provider_id, account_id, tokens, status, expires_at, last_used_at, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.ProviderAccount, error) {
	a := &models.ProviderAccount{}
	var expiresAt, lastUsedAt *string
	var createdAt string
	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.AccountID,
		&a.Tokens,
		&a.Status,
		&expiresAt,
		&lastUsedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if a.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	if a.LastUsedAt, err = parseTimePtr(lastUsedAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return a, nil
}

// UpsertAccount inserts a credential or, when (provider_id, account_id)
// already exists, replaces its token blob and reactivates it. OAuth
// re-authorization of the same upstream account lands here.
func (r *AccountRepository) UpsertAccount(ctx context.Context, a *models.ProviderAccount) error {
	a.CreatedAt = time.Now().UTC().Truncate(time.Second)
	if a.Status == "" {
		a.Status = models.AccountStatusActive
	}

	query := `
		INSERT INTO provider_accounts (provider_id, account_id, tokens, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, account_id) DO UPDATE SET
			tokens = excluded.tokens,
			status = excluded.status,
			expires_at = excluded.expires_at
	`

	res, err := r.db.ExecContext(ctx, query,
		a.ProviderID,
		a.AccountID,
		a.Tokens,
		a.Status,
		fmtTimePtr(a.ExpiresAt),
		fmtTime(a.CreatedAt),
	)
	if err != nil {
		return err
	}

	a.ID, err = res.LastInsertId()
	return err
}

// GetAccountByID retrieves a provider account by ID
func (r *AccountRepository) GetAccountByID(ctx context.Context, id int64) (*models.ProviderAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM provider_accounts WHERE id = ?`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccountsByProvider retrieves all accounts belonging to a provider
func (r *AccountRepository) ListAccountsByProvider(ctx context.Context, providerID int64) ([]*models.ProviderAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM provider_accounts WHERE provider_id = ? ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*models.ProviderAccount, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// ListActiveAccountsByProvider retrieves only active accounts for a provider
func (r *AccountRepository) ListActiveAccountsByProvider(ctx context.Context, providerID int64) ([]*models.ProviderAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM provider_accounts WHERE provider_id = ? AND status = 'active' ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*models.ProviderAccount, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// CountAccountsByProvider returns active and total account counts
func (r *AccountRepository) CountAccountsByProvider(ctx context.Context, providerID int64) (active int, total int, err error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0)
		FROM provider_accounts
		WHERE provider_id = ?
	`
	err = r.db.QueryRowContext(ctx, query, providerID).Scan(&total, &active)
	return active, total, err
}

// UpdateAccountTokens replaces the ciphertext blob in place after a refresh
func (r *AccountRepository) UpdateAccountTokens(ctx context.Context, id int64, tokens string, expiresAt *time.Time) error {
	query := `UPDATE provider_accounts SET tokens = ?, expires_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, tokens, fmtTimePtr(expiresAt), id)
	return err
}

// UpdateAccountStatus sets an account's lifecycle status
func (r *AccountRepository) UpdateAccountStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE provider_accounts SET status = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, status, id)
	return err
}

// TouchAccount stamps last_used_at
func (r *AccountRepository) TouchAccount(ctx context.Context, id int64) error {
	query := `UPDATE provider_accounts SET last_used_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, fmtTime(time.Now()), id)
	return err
}

// DeleteAccount removes a credential
func (r *AccountRepository) DeleteAccount(ctx context.Context, id int64) error {
	query := `DELETE FROM provider_accounts WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}
