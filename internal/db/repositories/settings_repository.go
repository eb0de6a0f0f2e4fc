package repositories

import (
	"context"
	"database/sql"
	"sync"
)

// SettingsRepository handles the key/value settings table. Reads go through a
// small in-memory cache because settings are consulted on hot paths (rate
// limit rpm, model mappings); a write stores the new value in the cache.
type SettingsRepository struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]string
}

// NewSettingsRepository creates a new SettingsRepository
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db, cache: make(map[string]string)}
}

// GetSetting returns the value for a key, or ("", nil) when the key is absent
func (r *SettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	if v, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()

	return value, nil
}

// SetSetting upserts a key/value pair and writes it through to the cache
func (r *SettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := r.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()

	return nil
}

// HasSetting reports whether a key exists
func (r *SettingsRepository) HasSetting(ctx context.Context, key string) (bool, error) {
	r.mu.RLock()
	if _, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return true, nil
	}
	r.mu.RUnlock()

	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM settings WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
