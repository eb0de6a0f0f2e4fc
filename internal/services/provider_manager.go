package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/sidecar"
)

// Provider management outcomes surfaced to handlers
var (
	ErrProviderNotFound = errors.New("services: provider not found")
	ErrAccountNotFound  = errors.New("services: provider account not found")
	ErrInvalidSettings  = errors.New("services: invalid provider settings")
)

// Reloader pushes a regenerated config at the routing sidecar. The supervisor
// implements it; tests substitute a recorder.
type Reloader interface {
	Reload(ctx context.Context) error
}

// AuthStatusSource reports the sidecar's view of stored credentials. Nil when
// the sidecar is not running or not configured.
type AuthStatusSource interface {
	GetAuthStatus(ctx context.Context) ([]sidecar.AuthStatus, error)
}

// ProviderHealth annotates a provider account with the sidecar's credential
// probe. Probe failures annotate rather than fail the listing.
type ProviderHealth struct {
	AccountID string `json:"account_id"`
	Valid     bool   `json:"valid"`
	Detail    string `json:"detail,omitempty"`
}

// ProviderManager owns upstream provider configuration: listing, settings,
// account removal, and credential health checks. Every mutation regenerates
// the sidecar config after commit.
type ProviderManager struct {
	providers *repositories.ProviderRepository
	accounts  *repositories.AccountRepository
	reloader  Reloader
	status    AuthStatusSource
	logger    *slog.Logger
}

// NewProviderManager creates a provider manager. status may be nil when no
// sidecar management endpoint is available.
func NewProviderManager(
	providers *repositories.ProviderRepository,
	accounts *repositories.AccountRepository,
	reloader Reloader,
	status AuthStatusSource,
	logger *slog.Logger,
) *ProviderManager {
	return &ProviderManager{
		providers: providers,
		accounts:  accounts,
		reloader:  reloader,
		status:    status,
		logger:    logger,
	}
}

// List returns all providers with their account counts
func (m *ProviderManager) List(ctx context.Context) ([]*models.ProviderWithAccounts, error) {
	providers, err := m.providers.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	out := make([]*models.ProviderWithAccounts, 0, len(providers))
	for _, p := range providers {
		_, total, err := m.accounts.CountAccountsByProvider(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("count accounts for %s: %w", p.Name, err)
		}
		out = append(out, &models.ProviderWithAccounts{Provider: *p, AccountCount: total})
	}
	return out, nil
}

// GetDetails returns one provider with its accounts. Providers are addressed
// by their unique name, matching the admin API surface.
func (m *ProviderManager) GetDetails(ctx context.Context, name string) (*models.ProviderWithAccounts, error) {
	provider, err := m.providers.GetProviderByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if provider == nil {
		return nil, ErrProviderNotFound
	}

	accounts, err := m.accounts.ListAccountsByProvider(ctx, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return &models.ProviderWithAccounts{
		Provider:     *provider,
		Accounts:     accounts,
		AccountCount: len(accounts),
	}, nil
}

// UpdateSettings validates and replaces the provider's settings blob, then
// pushes the regenerated config at the sidecar.
func (m *ProviderManager) UpdateSettings(ctx context.Context, name string, settings models.ProviderSettings) (*models.Provider, error) {
	provider, err := m.providers.GetProviderByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if provider == nil {
		return nil, ErrProviderNotFound
	}
	if !settings.Valid() {
		return nil, ErrInvalidSettings
	}

	encoded, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	if err := m.providers.UpdateProviderSettings(ctx, provider.ID, string(encoded)); err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	provider.Settings = string(encoded)

	m.reloadAfterMutation(ctx, "settings updated", provider.Name)
	return provider, nil
}

// SetEnabled flips a provider on or off and pushes the change at the sidecar
func (m *ProviderManager) SetEnabled(ctx context.Context, name string, enabled bool) error {
	provider, err := m.providers.GetProviderByName(ctx, name)
	if err != nil {
		return fmt.Errorf("load provider: %w", err)
	}
	if provider == nil {
		return ErrProviderNotFound
	}

	if err := m.providers.SetProviderEnabled(ctx, provider.ID, enabled); err != nil {
		return fmt.Errorf("set provider enabled: %w", err)
	}
	m.reloadAfterMutation(ctx, "enabled flag changed", provider.Name)
	return nil
}

// DeleteAccount removes one credential from a provider, then pushes the
// regenerated config at the sidecar.
func (m *ProviderManager) DeleteAccount(ctx context.Context, name string, accountID int64) error {
	provider, err := m.providers.GetProviderByName(ctx, name)
	if err != nil {
		return fmt.Errorf("load provider: %w", err)
	}
	if provider == nil {
		return ErrProviderNotFound
	}

	account, err := m.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if account == nil || account.ProviderID != provider.ID {
		return ErrAccountNotFound
	}

	if err := m.accounts.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	m.reloadAfterMutation(ctx, "account deleted", provider.Name)
	return nil
}

// HealthCheck annotates each of the provider's active accounts with the
// sidecar's credential probe. A probe failure yields annotations with the
// error detail instead of failing the call.
func (m *ProviderManager) HealthCheck(ctx context.Context, name string) ([]ProviderHealth, error) {
	provider, err := m.providers.GetProviderByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if provider == nil {
		return nil, ErrProviderNotFound
	}

	accounts, err := m.accounts.ListActiveAccountsByProvider(ctx, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	health := make([]ProviderHealth, 0, len(accounts))
	statuses, statusErr := m.probeStatuses(ctx)
	for _, account := range accounts {
		entry := ProviderHealth{AccountID: account.AccountID}
		switch {
		case statusErr != nil:
			entry.Detail = fmt.Sprintf("sidecar probe unavailable: %v", statusErr)
		default:
			entry.Valid, entry.Detail = matchStatus(statuses, provider.Name, account.AccountID)
		}
		health = append(health, entry)
	}
	return health, nil
}

func (m *ProviderManager) probeStatuses(ctx context.Context) ([]sidecar.AuthStatus, error) {
	if m.status == nil {
		return nil, errors.New("no management endpoint configured")
	}
	return m.status.GetAuthStatus(ctx)
}

func matchStatus(statuses []sidecar.AuthStatus, provider, account string) (bool, string) {
	for _, s := range statuses {
		if s.Provider != provider {
			continue
		}
		if s.Account != "" && s.Account != account {
			continue
		}
		if s.Valid {
			return true, ""
		}
		return false, "credential rejected by sidecar"
	}
	return false, "no credential reported by sidecar"
}

func (m *ProviderManager) reloadAfterMutation(ctx context.Context, what, target string) {
	if err := m.reloader.Reload(ctx); err != nil {
		m.logger.Warn("sidecar reload after provider mutation failed",
			"mutation", what,
			"target", target,
			"error", err,
		)
	}
}
