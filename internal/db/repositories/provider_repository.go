package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/proxypal/proxypal/internal/db/models"
)

// ProviderRepository handles provider database operations
type ProviderRepository struct {
	db *sql.DB
}

// NewProviderRepository creates a new ProviderRepository
func NewProviderRepository(db *sql.DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

const providerColumns = `id, name, type, enabled, settings, created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (*models.Provider, error) {
	p := &models.Provider{}
	var createdAt, updatedAt string
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Type,
		&p.Enabled,
		&p.Settings,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateProvider inserts a new provider and fills in its assigned ID
func (r *ProviderRepository) CreateProvider(ctx context.Context, p *models.Provider) error {
	now := time.Now().UTC().Truncate(time.Second)
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Settings == "" {
		p.Settings = "{}"
	}

	query := `
		INSERT INTO providers (name, type, enabled, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := r.db.ExecContext(ctx, query,
		p.Name,
		p.Type,
		p.Enabled,
		p.Settings,
		fmtTime(p.CreatedAt),
		fmtTime(p.UpdatedAt),
	)
	if err != nil {
		return err
	}

	p.ID, err = res.LastInsertId()
	return err
}

// GetProviderByName retrieves a provider by its unique name
func (r *ProviderRepository) GetProviderByName(ctx context.Context, name string) (*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE name = ?`

	p, err := scanProvider(r.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListProviders retrieves all providers ordered by name
func (r *ProviderRepository) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := make([]*models.Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	return providers, rows.Err()
}

// ListEnabledProviders retrieves enabled providers ordered by name
func (r *ProviderRepository) ListEnabledProviders(ctx context.Context) ([]*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE enabled = 1 ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := make([]*models.Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	return providers, rows.Err()
}

// UpdateProviderSettings replaces the settings blob and bumps updated_at
func (r *ProviderRepository) UpdateProviderSettings(ctx context.Context, id int64, settings string) error {
	query := `UPDATE providers SET settings = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, settings, fmtTime(time.Now()), id)
	return err
}

// SetProviderEnabled flips the enabled flag and bumps updated_at
func (r *ProviderRepository) SetProviderEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE providers SET enabled = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, enabled, fmtTime(time.Now()), id)
	return err
}

// DeleteProvider deletes a provider (cascades to accounts)
func (r *ProviderRepository) DeleteProvider(ctx context.Context, id int64) error {
	query := `DELETE FROM providers WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}
