// Package models - usage.go defines per-request usage records and their
// aggregate shapes. UsageLog rows are append-only; DailyUsage rows are the
// idempotent nightly compaction that survives log retention.
package models

import "time"

// Usage log statuses
const (
	UsageStatusSuccess = "success"
	UsageStatusError   = "error"
)

// UsageLog is one immutable per-request accounting record
type UsageLog struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	TokensInput   int64     `json:"tokens_input"`
	TokensOutput  int64     `json:"tokens_output"`
	RequestTimeMs int64     `json:"request_time_ms"`
	Status        string    `json:"status"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// UsageStats is an aggregate over a period
type UsageStats struct {
	TotalRequests     int64 `json:"total_requests"`
	TotalTokensInput  int64 `json:"total_tokens_input"`
	TotalTokensOutput int64 `json:"total_tokens_output"`
}

// ProviderUsage is an aggregate grouped by provider
type ProviderUsage struct {
	Provider     string `json:"provider"`
	Requests     int64  `json:"requests"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
}

// DailyUsage is one pre-aggregated row keyed by (date, user, provider).
// A nil UserID or Provider means the row aggregates across that dimension.
type DailyUsage struct {
	Date         string  `json:"date"`
	UserID       *int64  `json:"user_id,omitempty"`
	Provider     *string `json:"provider,omitempty"`
	Requests     int64   `json:"requests"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
}

// RequestLogEntry is a usage log joined with the owning user's name for the
// admin log view. A log with no matching user row shows the name "unknown";
// deleting a user deletes its logs through the ON DELETE CASCADE.
type RequestLogEntry struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        int64     `json:"user_id"`
	UserName      string    `json:"user_name"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	TokensInput   int64     `json:"tokens_input"`
	TokensOutput  int64     `json:"tokens_output"`
	DurationMs    int64     `json:"duration_ms"`
	Status        string    `json:"status"`
}
