package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/proxypal/proxypal/internal/crypto"
	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/safego"
)

// OAuth flow outcomes surfaced to handlers
var (
	ErrUnknownProvider = errors.New("auth: unknown oauth provider")
	ErrStateInvalid    = errors.New("auth: oauth state missing or expired")
	ErrSessionMismatch = errors.New("auth: oauth state belongs to another session")
)

// AuthURLSource obtains provider authorization URLs from the routing sidecar's
// management API for providers whose OAuth dance the sidecar owns.
type AuthURLSource interface {
	AuthURL(ctx context.Context, provider string) (string, error)
}

// OAuthFlow drives the provider authorization dance: single-use state nonces
// bound to the admin session, code exchange, token sealing, and account upsert.
type OAuthFlow struct {
	states    *repositories.OAuthStateRepository
	providers *repositories.ProviderRepository
	accounts  *repositories.AccountRepository
	cipher    *crypto.TokenCipher
	sidecar   AuthURLSource
	configs   map[string]*oauth2.Config
	stateTTL  time.Duration
	logger    *slog.Logger
}

// NewOAuthFlow creates an OAuth flow manager. sidecar may be nil when every
// provider is configured with a local oauth2.Config via RegisterProvider.
func NewOAuthFlow(
	states *repositories.OAuthStateRepository,
	providers *repositories.ProviderRepository,
	accounts *repositories.AccountRepository,
	cipher *crypto.TokenCipher,
	sidecar AuthURLSource,
	stateTTL time.Duration,
	logger *slog.Logger,
) *OAuthFlow {
	return &OAuthFlow{
		states:    states,
		providers: providers,
		accounts:  accounts,
		cipher:    cipher,
		sidecar:   sidecar,
		configs:   make(map[string]*oauth2.Config),
		stateTTL:  stateTTL,
		logger:    logger,
	}
}

// RegisterProvider installs the oauth2 endpoint configuration for a provider
// whose code exchange happens in-process rather than in the sidecar.
func (f *OAuthFlow) RegisterProvider(name string, cfg *oauth2.Config) {
	f.configs[name] = cfg
}

// Begin mints a state nonce bound to the admin session and returns the
// provider authorization URL the browser should be redirected to.
func (f *OAuthFlow) Begin(ctx context.Context, provider, adminSessionID string, redirectURL *string) (string, error) {
	cfg, local := f.configs[provider]
	if !local && f.sidecar == nil {
		return "", ErrUnknownProvider
	}

	now := time.Now().UTC()
	state := &models.OAuthState{
		State:          uuid.NewString(),
		Provider:       provider,
		AdminSessionID: adminSessionID,
		RedirectURL:    redirectURL,
		ExpiresAt:      now.Add(f.stateTTL),
	}
	if err := f.states.CreateState(ctx, state); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}

	if local {
		return cfg.AuthCodeURL(state.State, oauth2.AccessTypeOffline), nil
	}

	raw, err := f.sidecar.AuthURL(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("fetch auth url from sidecar: %w", err)
	}
	return appendStateParam(raw, state.State)
}

// Complete validates the callback state, exchanges the authorization code,
// seals the tokens, and upserts the provider account. The provider row is
// created on first authorization.
func (f *OAuthFlow) Complete(ctx context.Context, stateValue, code, adminSessionID string) (*models.Provider, error) {
	state, err := f.states.ConsumeState(ctx, stateValue)
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if state == nil || state.Expired(time.Now().UTC()) {
		return nil, ErrStateInvalid
	}
	if state.AdminSessionID != adminSessionID {
		return nil, ErrSessionMismatch
	}

	cfg, ok := f.configs[state.Provider]
	if !ok {
		// The provider was deregistered while the dance was in flight.
		return nil, ErrUnknownProvider
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	provider, err := f.ensureProvider(ctx, state.Provider)
	if err != nil {
		return nil, err
	}

	sealed, err := f.sealToken(token)
	if err != nil {
		return nil, err
	}

	account := &models.ProviderAccount{
		ProviderID: provider.ID,
		AccountID:  accountIdentity(token),
		Tokens:     sealed,
		Status:     models.AccountStatusActive,
		ExpiresAt:  tokenExpiry(token),
	}
	if err := f.accounts.UpsertAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("store provider account: %w", err)
	}

	f.logger.Info("provider account authorized",
		"provider", provider.Name,
		"account", account.AccountID,
	)
	return provider, nil
}

// Refresh re-exchanges the account's refresh token for a fresh access token
// and persists the new sealed blob. On failure the account is marked expired
// so the forwarder stops selecting it.
func (f *OAuthFlow) Refresh(ctx context.Context, providerName string, account *models.ProviderAccount) (string, error) {
	cfg, ok := f.configs[providerName]
	if !ok {
		return "", ErrUnknownProvider
	}

	plaintext, err := f.cipher.Open(account.Tokens)
	if err != nil {
		return "", fmt.Errorf("open account tokens: %w", err)
	}
	var stored models.AccountTokens
	if err := json.Unmarshal([]byte(plaintext), &stored); err != nil {
		return "", fmt.Errorf("decode account tokens: %w", err)
	}

	// Force the token source to hit the refresh endpoint even if the stored
	// expiry still looks live; the upstream already rejected the access token.
	stale := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       time.Now().Add(-time.Minute),
	}

	fresh, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		if statusErr := f.accounts.UpdateAccountStatus(ctx, account.ID, models.AccountStatusExpired); statusErr != nil {
			f.logger.Warn("failed to mark account expired", "account_id", account.ID, "error", statusErr)
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}

	sealed, err := f.sealToken(fresh)
	if err != nil {
		return "", err
	}
	if err := f.accounts.UpdateAccountTokens(ctx, account.ID, sealed, tokenExpiry(fresh)); err != nil {
		return "", fmt.Errorf("store refreshed tokens: %w", err)
	}
	return fresh.AccessToken, nil
}

// StartSweeper launches the periodic removal of expired state nonces. The loop
// stops when ctx is cancelled.
func (f *OAuthFlow) StartSweeper(ctx context.Context, interval time.Duration) {
	safego.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := f.states.DeleteExpiredStates(ctx)
				if err != nil {
					f.logger.Warn("oauth state sweep failed", "error", err)
					continue
				}
				if swept > 0 {
					f.logger.Debug("swept expired oauth states", "count", swept)
				}
			}
		}
	})
}

func (f *OAuthFlow) ensureProvider(ctx context.Context, name string) (*models.Provider, error) {
	provider, err := f.providers.GetProviderByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if provider != nil {
		return provider, nil
	}

	provider = &models.Provider{
		Name:     name,
		Type:     models.ProviderTypeOAuth,
		Enabled:  true,
		Settings: "{}",
	}
	if err := f.providers.CreateProvider(ctx, provider); err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return provider, nil
}

func (f *OAuthFlow) sealToken(token *oauth2.Token) (string, error) {
	stored := models.AccountTokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		stored.Expiry = token.Expiry.UTC().Format(time.RFC3339)
	}
	plaintext, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode account tokens: %w", err)
	}
	sealed, err := f.cipher.Seal(string(plaintext))
	if err != nil {
		return "", fmt.Errorf("seal account tokens: %w", err)
	}
	return sealed, nil
}

// accountIdentity derives the upsert key for an account from the token's
// extra claims. Providers that return no identity claim share one slot.
func accountIdentity(token *oauth2.Token) string {
	for _, claim := range []string{"email", "account_id", "sub"} {
		if v, ok := token.Extra(claim).(string); ok && v != "" {
			return v
		}
	}
	return "default"
}

func tokenExpiry(token *oauth2.Token) *time.Time {
	if token.Expiry.IsZero() {
		return nil
	}
	t := token.Expiry.UTC()
	return &t
}

func appendStateParam(raw, state string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
