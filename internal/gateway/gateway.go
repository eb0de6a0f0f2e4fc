// Package gateway implements the data plane: OpenAI-shaped /v1 endpoints that
// forward to the routing sidecar over loopback and account token usage per
// user. The client's bearer key never leaves the gateway; the sidecar
// authenticates upstream with its own stored credentials.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/middleware"
	"github.com/proxypal/proxypal/internal/telemetry"
)

// maxRequestBody bounds how much of an inbound body is buffered for replay.
// Chat payloads are tiny next to this; anything larger is rejected up front.
const maxRequestBody = 10 << 20

// accountingTimeout bounds the detached write of a usage row after the
// request context is already done.
const accountingTimeout = 5 * time.Second

// TokenRefresher re-exchanges a provider account's refresh token after the
// upstream rejected the access token. The OAuth flow implements it.
type TokenRefresher interface {
	Refresh(ctx context.Context, providerName string, account *models.ProviderAccount) (string, error)
}

// Reloader pushes a regenerated config at the sidecar so a refreshed
// credential takes effect before the retry.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Gateway forwards data-plane requests to the sidecar and records usage
type Gateway struct {
	endpoint  string
	client    *http.Client
	usage     *repositories.UsageRepository
	providers *repositories.ProviderRepository
	accounts  *repositories.AccountRepository
	settings  *repositories.SettingsRepository
	refresher TokenRefresher
	reloader  Reloader
	timeout   time.Duration
	logger    *slog.Logger
}

// NewGateway creates a forwarder targeting the sidecar base URL. timeout
// bounds one upstream round trip including streaming; zero means 120s.
func NewGateway(
	endpoint string,
	usage *repositories.UsageRepository,
	providers *repositories.ProviderRepository,
	accounts *repositories.AccountRepository,
	settings *repositories.SettingsRepository,
	refresher TokenRefresher,
	reloader Reloader,
	timeout time.Duration,
	logger *slog.Logger,
) *Gateway {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Gateway{
		endpoint: strings.TrimRight(endpoint, "/"),
		// Per-request deadlines come from the context; a client-level timeout
		// would cut long SSE streams short.
		client:    &http.Client{},
		usage:     usage,
		providers: providers,
		accounts:  accounts,
		settings:  settings,
		refresher: refresher,
		reloader:  reloader,
		timeout:   timeout,
		logger:    logger,
	}
}

// requestEnvelope is the subset of the inbound body the gateway reads for
// attribution. The rest passes through untouched.
type requestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Forward relays one data-plane request to the sidecar. The response streams
// back unbuffered; usage extracted from response metadata is recorded after
// the body completes.
func (g *Gateway) Forward(c *gin.Context) {
	user := middleware.UserFromContext(c)
	if user == nil {
		httperr.Abort(c, httperr.CodeInternalError, "forwarder requires an authenticated user")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		httperr.Abort(c, httperr.CodeValidationError, "failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		httperr.Abort(c, httperr.CodeValidationError, "request body too large")
		return
	}

	var envelope requestEnvelope
	if len(body) > 0 {
		// Attribution only; a body the upstream would reject passes through
		// so the client sees the upstream's error.
		_ = json.Unmarshal(body, &envelope)
	}
	provider := g.resolveProvider(c.Request.Context(), envelope.Model)

	ctx, cancel := context.WithTimeout(c.Request.Context(), g.timeout)
	defer cancel()

	started := time.Now()
	resp, err := g.roundTrip(ctx, c, body)
	if err == nil && resp.StatusCode == http.StatusUnauthorized && g.refresher != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if refreshErr := g.refreshCredential(ctx, provider); refreshErr != nil {
			g.record(user.ID, provider, envelope.Model, usageTotals{}, started, http.StatusBadGateway, refreshErr.Error())
			httperr.Abort(c, httperr.CodeProviderError, "upstream credential refresh failed")
			return
		}
		resp, err = g.roundTrip(ctx, c, body)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.Abort()
			return
		}
		g.record(user.ID, provider, envelope.Model, usageTotals{}, started, http.StatusBadGateway, err.Error())
		httperr.Abort(c, httperr.CodeProviderError, "sidecar unreachable")
		return
	}
	defer resp.Body.Close()

	totals, relayErr := g.relay(c, resp)
	status := resp.StatusCode
	errMsg := ""
	if relayErr != nil {
		errMsg = relayErr.Error()
	} else if status >= 400 {
		errMsg = fmt.Sprintf("upstream status %d", status)
	}
	g.record(user.ID, provider, envelope.Model, totals, started, status, errMsg)
}

// roundTrip builds and sends one upstream request. The path and query pass
// through verbatim; the client bearer and hop-by-hop headers do not.
func (g *Gateway) roundTrip(ctx context.Context, c *gin.Context, body []byte) (*http.Response, error) {
	target := g.endpoint + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		target += "?" + c.Request.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, c.Request.Header)
	req.Header.Del("Authorization")
	req.ContentLength = int64(len(body))

	return g.client.Do(req)
}

// relay copies the upstream response to the client. SSE bodies stream chunk
// by chunk with a flush after every write while the tee accumulates usage;
// everything else is read whole and parsed once.
func (g *Gateway) relay(c *gin.Context, resp *http.Response) (usageTotals, error) {
	copyHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)

	if isEventStream(resp.Header) {
		tee := &sseUsageTee{}
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
					return tee.totals, writeErr
				}
				c.Writer.Flush()
				tee.scan(buf[:n])
			}
			if err == io.EOF {
				return tee.totals, nil
			}
			if err != nil {
				return tee.totals, err
			}
		}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return usageTotals{}, err
	}
	if _, err := c.Writer.Write(payload); err != nil {
		return usageTotals{}, err
	}
	return extractUsage(payload), nil
}

// refreshCredential rotates the first active account of an oauth provider and
// pushes the regenerated config so the retry runs against the new token.
func (g *Gateway) refreshCredential(ctx context.Context, providerName string) error {
	provider, err := g.providers.GetProviderByName(ctx, providerName)
	if err != nil {
		return fmt.Errorf("load provider: %w", err)
	}
	if provider == nil || provider.Type != models.ProviderTypeOAuth {
		return fmt.Errorf("no refreshable credential for provider %q", providerName)
	}

	accounts, err := g.accounts.ListActiveAccountsByProvider(ctx, provider.ID)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no active account for provider %q", providerName)
	}

	if _, err := g.refresher.Refresh(ctx, provider.Name, accounts[0]); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}

	if g.reloader != nil {
		if err := g.reloader.Reload(ctx); err != nil {
			g.logger.Warn("sidecar reload after token refresh failed", "provider", providerName, "error", err)
		}
	}
	return nil
}

// record writes the accounting row on its own context so a client disconnect
// cannot lose the usage it already incurred. Accounting failures are logged,
// never surfaced.
func (g *Gateway) record(userID int64, provider, model string, totals usageTotals, started time.Time, status int, errMsg string) {
	outcome := models.UsageStatusSuccess
	if status >= 400 || errMsg != "" {
		outcome = models.UsageStatusError
	}

	entry := &models.UsageLog{
		UserID:        userID,
		Provider:      provider,
		Model:         model,
		TokensInput:   totals.Input,
		TokensOutput:  totals.Output,
		RequestTimeMs: time.Since(started).Milliseconds(),
		Status:        outcome,
	}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}

	ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
	defer cancel()
	if err := g.usage.LogRequest(ctx, entry); err != nil {
		g.logger.Error("usage accounting failed",
			"user_id", userID,
			"provider", provider,
			"model", model,
			"error", err,
		)
	}

	telemetry.ForwardsTotal.WithLabelValues(provider, outcome).Inc()
	telemetry.TokensTotal.WithLabelValues(provider, "input").Add(float64(totals.Input))
	telemetry.TokensTotal.WithLabelValues(provider, "output").Add(float64(totals.Output))
}

// resolveProvider maps a requested model to the provider that will serve it,
// applying the admin alias table first. Unknown models fall back to the text
// before the first separator so accounting still groups sensibly.
func (g *Gateway) resolveProvider(ctx context.Context, model string) string {
	if model == "" {
		return "unknown"
	}
	if g.settings != nil {
		raw, err := g.settings.GetSetting(ctx, models.SettingServerConfig)
		if err == nil {
			if sc, err := models.ParseServerConfig(raw); err == nil {
				if mapped, ok := sc.ModelMappings[model]; ok {
					model = mapped
				}
			}
		}
	}
	return providerForModel(model)
}

// hopByHopHeaders are stripped in both directions per RFC 9110 §7.6.1
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	dropped := map[string]bool{}
	for _, h := range hopByHopHeaders {
		dropped[h] = true
	}
	// Headers named in Connection are hop-by-hop too
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}
	for name, values := range src {
		if dropped[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}
