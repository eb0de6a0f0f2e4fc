package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/proxypal/proxypal/internal/db/models"
)

// UsageRepository handles per-request accounting. The log insert and the
// owning user's used_tokens increment commit in one transaction, so a quota
// check never observes a log row whose tokens are not yet counted.
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository creates a new UsageRepository
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// LogRequest appends a usage log row and increments the user's used_tokens
// by tokens_input + tokens_output atomically
func (r *UsageRepository) LogRequest(ctx context.Context, log *models.UsageLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC().Truncate(time.Second)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO usage_logs (user_id, provider, model, tokens_input, tokens_output, request_time_ms, status, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.UserID,
		log.Provider,
		log.Model,
		log.TokensInput,
		log.TokensOutput,
		log.RequestTimeMs,
		log.Status,
		log.ErrorMessage,
		fmtTime(log.Timestamp),
	)
	if err != nil {
		return err
	}
	if log.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET used_tokens = used_tokens + ?, last_used_at = ? WHERE id = ?
	`,
		log.TokensInput+log.TokensOutput,
		fmtTime(log.Timestamp),
		log.UserID,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetStats aggregates all logs within a period ("today", "week", "month",
// or "all")
func (r *UsageRepository) GetStats(ctx context.Context, period string) (*models.UsageStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM usage_logs
	`
	args := []any{}
	if cutoff, ok := periodCutoff(period, time.Now()); ok {
		query += ` WHERE timestamp >= ?`
		args = append(args, fmtTime(cutoff))
	}

	stats := &models.UsageStats{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalRequests,
		&stats.TotalTokensInput,
		&stats.TotalTokensOutput,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetUserStats aggregates one user's logs within a period
func (r *UsageRepository) GetUserStats(ctx context.Context, userID int64, period string) (*models.UsageStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM usage_logs
		WHERE user_id = ?
	`
	args := []any{userID}
	if cutoff, ok := periodCutoff(period, time.Now()); ok {
		query += ` AND timestamp >= ?`
		args = append(args, fmtTime(cutoff))
	}

	stats := &models.UsageStats{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalRequests,
		&stats.TotalTokensInput,
		&stats.TotalTokensOutput,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetUsageByProvider aggregates logs grouped by provider within a period
func (r *UsageRepository) GetUsageByProvider(ctx context.Context, period string) ([]*models.ProviderUsage, error) {
	query := `
		SELECT provider, COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM usage_logs
	`
	args := []any{}
	if cutoff, ok := periodCutoff(period, time.Now()); ok {
		query += ` WHERE timestamp >= ?`
		args = append(args, fmtTime(cutoff))
	}
	query += ` GROUP BY provider ORDER BY provider`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := make([]*models.ProviderUsage, 0)
	for rows.Next() {
		u := &models.ProviderUsage{}
		if err := rows.Scan(&u.Provider, &u.Requests, &u.TokensInput, &u.TokensOutput); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}

	return usage, rows.Err()
}

// RollupDay compacts one closed day of logs into daily_usage rows grouped by
// (user, provider). Re-running for the same day overwrites rather than
// double-counts; the aggregate is recomputed from the logs each time.
func (r *UsageRepository) RollupDay(ctx context.Context, date string) (int64, error) {
	dayStart, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, err
	}
	dayEnd := dayStart.AddDate(0, 0, 1)

	query := `
		INSERT INTO daily_usage (date, user_id, provider, requests, tokens_input, tokens_output)
		SELECT ?, user_id, provider, COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM usage_logs
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY user_id, provider
		ON CONFLICT(date, user_id, provider) DO UPDATE SET
			requests = excluded.requests,
			tokens_input = excluded.tokens_input,
			tokens_output = excluded.tokens_output
	`

	res, err := r.db.ExecContext(ctx, query, date, fmtTime(dayStart), fmtTime(dayEnd))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetDailySeries returns per-day aggregates for the last n days, most recent
// first. Closed days come from daily_usage; the current day is computed live
// from the logs because its rollup has not run yet.
func (r *UsageRepository) GetDailySeries(ctx context.Context, days int) ([]*models.DailyUsage, error) {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := today.AddDate(0, 0, -(days - 1))

	series := make([]*models.DailyUsage, 0)

	live := &models.DailyUsage{Date: today.Format("2006-01-02")}
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM usage_logs
		WHERE timestamp >= ?
	`, fmtTime(today)).Scan(&live.Requests, &live.TokensInput, &live.TokensOutput)
	if err != nil {
		return nil, err
	}
	if live.Requests > 0 {
		series = append(series, live)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT date, COALESCE(SUM(requests), 0), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM daily_usage
		WHERE date >= ? AND date < ?
		GROUP BY date
		ORDER BY date DESC
	`, since.Format("2006-01-02"), today.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		d := &models.DailyUsage{}
		if err := rows.Scan(&d.Date, &d.Requests, &d.TokensInput, &d.TokensOutput); err != nil {
			return nil, err
		}
		series = append(series, d)
	}

	return series, rows.Err()
}

// ListRequestLogs returns a page of logs joined with user names, newest
// first. Logs with no matching user row show as "unknown". Filters are optional; zero values
// mean no filter.
func (r *UsageRepository) ListRequestLogs(ctx context.Context, userID int64, provider, status string, limit, offset int) ([]*models.RequestLogEntry, int64, error) {
	where := ` WHERE 1 = 1`
	args := []any{}
	if userID != 0 {
		where += ` AND l.user_id = ?`
		args = append(args, userID)
	}
	if provider != "" {
		where += ` AND l.provider = ?`
		args = append(args, provider)
	}
	if status != "" {
		where += ` AND l.status = ?`
		args = append(args, status)
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM usage_logs l` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT l.id, l.timestamp, l.user_id, COALESCE(u.name, 'unknown'), l.provider, l.model,
			l.tokens_input, l.tokens_output, l.request_time_ms, l.status
		FROM usage_logs l
		LEFT JOIN users u ON u.id = l.user_id
	` + where + `
		ORDER BY l.timestamp DESC, l.id DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]*models.RequestLogEntry, 0)
	for rows.Next() {
		e := &models.RequestLogEntry{}
		var ts string
		err := rows.Scan(
			&e.ID,
			&ts,
			&e.UserID,
			&e.UserName,
			&e.Provider,
			&e.Model,
			&e.TokensInput,
			&e.TokensOutput,
			&e.DurationMs,
			&e.Status,
		)
		if err != nil {
			return nil, 0, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}

	return entries, total, rows.Err()
}

// DeleteLogsBefore removes logs older than the cutoff. Rolled-up daily_usage
// rows are untouched, so history survives retention in aggregate form.
func (r *UsageRepository) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM usage_logs WHERE timestamp < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
