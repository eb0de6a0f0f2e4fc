package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/middleware"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func gatewayTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRefresher records refresh attempts; err makes every attempt fail.
type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, providerName string, account *models.ProviderAccount) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "fresh-access-token", nil
}

type fakeReloader struct {
	calls int
}

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.calls++
	return nil
}

type gatewayEnv struct {
	mock      sqlmock.Sqlmock
	gateway   *Gateway
	router    *gin.Engine
	refresher *fakeRefresher
	reloader  *fakeReloader
}

func newGatewayEnv(t *testing.T, endpoint string, withSettings bool) *gatewayEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var settings *repositories.SettingsRepository
	if withSettings {
		settings = repositories.NewSettingsRepository(db)
	}

	refresher := &fakeRefresher{}
	reloader := &fakeReloader{}
	gw := NewGateway(
		endpoint,
		repositories.NewUsageRepository(db),
		repositories.NewProviderRepository(db),
		repositories.NewAccountRepository(db),
		settings,
		refresher,
		reloader,
		5*time.Second,
		gatewayTestLogger(),
	)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.UserKey, &models.User{ID: 1, Name: "alice", APIKeyPrefix: "sk-alice", Enabled: true})
		c.Next()
	})
	router.GET("/v1/models", gw.Models)
	router.POST("/v1/chat/completions", gw.Forward)
	router.POST("/v1/completions", gw.Forward)
	router.POST("/v1/embeddings", gw.Forward)

	return &gatewayEnv{mock: mock, gateway: gw, router: router, refresher: refresher, reloader: reloader}
}

// expectUsageRow queues the transactional accounting write: the log insert
// and the used_tokens increment commit together.
func expectUsageRow(mock sqlmock.Sqlmock, provider, model string, in, out int64, status string) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_logs").
		WithArgs(int64(1), provider, model, in, out, sqlmock.AnyArg(), status, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE users SET used_tokens").
		WithArgs(in+out, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func postCompletion(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-alice-secret")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) httperr.Envelope {
	t.Helper()
	var env httperr.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	return env
}

// ---
// Forwarding
// ---

func TestForward_NonStreamRecordsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"cmpl-1","usage":{"prompt_tokens":20,"completion_tokens":5}}`)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectUsageRow(env.mock, "claude", "claude-sonnet-4", 20, 5, models.UsageStatusSuccess)

	w := postCompletion(env.router, `{"model":"claude-sonnet-4","messages":[]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"cmpl-1"`) {
		t.Errorf("body not relayed: %q", w.Body.String())
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestForward_StripsClientBearerAndHopByHopHeaders(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectUsageRow(env.mock, "openai", "gpt-4o", 0, 0, models.UsageStatusSuccess)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer sk-alice-secret")
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "1")
	req.Header.Set("Transfer-Encoding", "chunked")
	req.Header.Set("X-Keep-Me", "1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seen.Get("Authorization") != "" {
		t.Error("client bearer leaked to the sidecar")
	}
	if seen.Get("X-Drop-Me") != "" {
		t.Error("header named in Connection was forwarded")
	}
	if seen.Get("X-Keep-Me") != "1" {
		t.Error("end-to-end header was dropped")
	}
}

func TestForward_PreservesPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectUsageRow(env.mock, "unknown", "", 0, 0, models.UsageStatusSuccess)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings?encoding=float", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if gotPath != "/v1/embeddings" {
		t.Errorf("path = %q, want /v1/embeddings", gotPath)
	}
	if gotQuery != "encoding=float" {
		t.Errorf("query = %q, want encoding=float", gotQuery)
	}
}

func TestForward_StreamingAccumulatesUsage(t *testing.T) {
	frames := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		`data: {"usage":{"prompt_tokens":10,"completion_tokens":7}}`,
		"",
		"data: [DONE]",
		"",
		"",
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, frames)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectUsageRow(env.mock, "claude", "claude-sonnet-4", 10, 7, models.UsageStatusSuccess)

	w := postCompletion(env.router, `{"model":"claude-sonnet-4","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "[DONE]") {
		t.Errorf("stream not relayed to the end: %q", w.Body.String())
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestForward_MissingUsageRecordsZero(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"cmpl-2"}`)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectUsageRow(env.mock, "gemini", "gemini-2.0-flash", 0, 0, models.UsageStatusSuccess)

	w := postCompletion(env.router, `{"model":"gemini-2.0-flash"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestForward_UpstreamErrorRelayedAndRecorded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectUsageRow(env.mock, "claude", "claude-opus-4", 0, 0, models.UsageStatusError)

	w := postCompletion(env.router, `{"model":"claude-opus-4"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "overloaded") {
		t.Errorf("upstream error body not relayed: %q", w.Body.String())
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestForward_SidecarUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectUsageRow(env.mock, "claude", "claude-sonnet-4", 0, 0, models.UsageStatusError)

	w := postCompletion(env.router, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Code != httperr.CodeProviderError {
		t.Errorf("code = %q, want PROVIDER_ERROR", env.Code)
	}
}

// ---
// Refresh on 401
// ---

var providerCols = []string{"id", "name", "type", "enabled", "settings", "created_at", "updated_at"}
var accountCols = []string{"id", "provider_id", "account_id", "tokens", "status", "expires_at", "last_used_at", "created_at"}

func expectRefreshLookups(mock sqlmock.Sqlmock) {
	now := time.Now().UTC().Format(time.RFC3339)
	mock.ExpectQuery("SELECT (.+) FROM providers WHERE name").
		WithArgs("claude").
		WillReturnRows(sqlmock.NewRows(providerCols).
			AddRow(int64(1), "claude", models.ProviderTypeOAuth, true, "{}", now, now))
	mock.ExpectQuery("SELECT (.+) FROM provider_accounts WHERE provider_id = (.+) AND status").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(int64(3), int64(1), "alice@example.com", "ciphertext", models.AccountStatusActive, nil, nil, now))
}

func TestForward_RefreshOn401RetriesOnce(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"usage":{"prompt_tokens":3,"completion_tokens":2}}`)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	expectRefreshLookups(env.mock)
	expectUsageRow(env.mock, "claude", "claude-sonnet-4", 3, 2, models.UsageStatusSuccess)

	w := postCompletion(env.router, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry (body %q)", w.Code, w.Body.String())
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
	if env.refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", env.refresher.calls)
	}
	if env.reloader.calls != 1 {
		t.Errorf("reload calls = %d, want 1", env.reloader.calls)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestForward_RefreshFailureIsProviderError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	env.refresher.err = io.ErrUnexpectedEOF
	expectRefreshLookups(env.mock)
	expectUsageRow(env.mock, "claude", "claude-sonnet-4", 0, 0, models.UsageStatusError)

	w := postCompletion(env.router, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Code != httperr.CodeProviderError {
		t.Errorf("code = %q, want PROVIDER_ERROR", env.Code)
	}
}

func TestForward_401FromNonOAuthProviderNotRetried(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	env := newGatewayEnv(t, upstream.URL, false)
	now := time.Now().UTC().Format(time.RFC3339)
	env.mock.ExpectQuery("SELECT (.+) FROM providers WHERE name").
		WithArgs("openai").
		WillReturnRows(sqlmock.NewRows(providerCols).
			AddRow(int64(2), "openai", models.ProviderTypeAPIKey, true, "{}", now, now))
	expectUsageRow(env.mock, "openai", "gpt-4o", 0, 0, models.UsageStatusError)

	w := postCompletion(env.router, `{"model":"gpt-4o"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
	if env.refresher.calls != 0 {
		t.Errorf("refresh calls = %d, want 0", env.refresher.calls)
	}
}

// ---
// Models
// ---

func TestModels_ListsCatalogAndAliases(t *testing.T) {
	env := newGatewayEnv(t, "http://127.0.0.1:1", true)

	sc := models.DefaultServerConfig()
	sc.ModelMappings = map[string]string{"my-alias": "claude-sonnet-4"}
	encoded, err := sc.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env.mock.ExpectQuery("SELECT value FROM settings WHERE key").
		WithArgs(models.SettingServerConfig).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(encoded))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" {
		t.Errorf("object = %q, want list", resp.Object)
	}

	ids := make(map[string]bool, len(resp.Data))
	for _, m := range resp.Data {
		ids[m.ID] = true
	}
	if !ids["my-alias"] {
		t.Error("mapped alias missing from model list")
	}
	if !ids["gpt-4o"] {
		t.Error("static catalog entry missing from model list")
	}
}

// ---
// Usage extraction
// ---

func TestExtractUsage_FieldSpellings(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		in, out int64
	}{
		{"openai", `{"usage":{"prompt_tokens":11,"completion_tokens":4}}`, 11, 4},
		{"anthropic", `{"usage":{"input_tokens":9,"output_tokens":2}}`, 9, 2},
		{"absent", `{"id":"x"}`, 0, 0},
		{"not json", `<html>`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractUsage([]byte(tt.body))
			if got.Input != tt.in || got.Output != tt.out {
				t.Errorf("extractUsage = %+v, want {%d %d}", got, tt.in, tt.out)
			}
		})
	}
}

func TestSSEUsageTee_SplitAcrossChunks(t *testing.T) {
	tee := &sseUsageTee{}
	frames := "data: {\"usage\":{\"prompt_tokens\":15,\"completion_tokens\":6}}\n\ndata: [DONE]\n\n"

	// Feed one byte at a time so every line boundary lands mid-chunk
	for i := 0; i < len(frames); i++ {
		tee.scan([]byte{frames[i]})
	}

	if tee.totals.Input != 15 || tee.totals.Output != 6 {
		t.Errorf("totals = %+v, want {15 6}", tee.totals)
	}
}

func TestSSEUsageTee_LaterFrameWins(t *testing.T) {
	tee := &sseUsageTee{}
	tee.scan([]byte("data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1}}\n"))
	tee.scan([]byte("data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":9}}\n"))

	if tee.totals.Output != 9 {
		t.Errorf("Output = %d, want 9 (final frame)", tee.totals.Output)
	}
}

// ---
// Provider attribution
// ---

func TestProviderForModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4", "claude"},
		{"gpt-4o-mini", "openai"},
		{"o3-mini", "openai"},
		{"text-embedding-3-small", "openai"},
		{"gemini-2.0-flash", "gemini"},
		{"qwen/qwen-2.5", "qwen"},
		{"mistral-large", "mistral"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := providerForModel(tt.model); got != tt.want {
			t.Errorf("providerForModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}
