package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
)

// newRateLimitEnv wires a limiter backed by a mocked settings row. The
// settings repository caches the first read, so a single queued row serves
// every request the test makes.
func newRateLimitEnv(t *testing.T, rpm, burst int) (*RateLimiter, *gin.Engine) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := models.DefaultServerConfig()
	cfg.RequestsPerMin = rpm
	encoded, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode server config: %v", err)
	}
	mock.ExpectQuery("SELECT value FROM settings WHERE key").
		WithArgs(models.SettingServerConfig).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(encoded))

	limiter := NewRateLimiter(repositories.NewSettingsRepository(db), burst)
	t.Cleanup(limiter.Stop)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(UserKey, &models.User{ID: 1, Name: "alice", APIKeyPrefix: "sk-alice", Enabled: true})
	})
	r.Use(RateLimit(limiter))
	r.GET("/v1/models", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"object": "list"})
	})
	return limiter, r
}

func limitedRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "/v1/models", nil)
}

// ---------------------------------------------------------------------------
// RateLimit middleware
// ---------------------------------------------------------------------------

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	_, r := newRateLimitEnv(t, 60, 3)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, limitedRequest())
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimit_RejectsBeyondBurst(t *testing.T) {
	_, r := newRateLimitEnv(t, 60, 2)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, limitedRequest())
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, limitedRequest())

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if retry := w.Header().Get("Retry-After"); retry != "60" {
		t.Errorf("Retry-After = %q, want 60", retry)
	}
	var env httperr.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an error envelope: %v", err)
	}
	if env.Code != httperr.CodeRateLimited {
		t.Errorf("envelope code = %q, want %q", env.Code, httperr.CodeRateLimited)
	}
}

func TestRateLimit_SetsLimitHeaders(t *testing.T) {
	_, r := newRateLimitEnv(t, 90, 5)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, limitedRequest())

	if got := w.Header().Get("X-RateLimit-Limit"); got != "90" {
		t.Errorf("X-RateLimit-Limit = %q, want 90", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining = %q, want 4", got)
	}
}

func TestRateLimit_MissingUserIsServerError(t *testing.T) {
	limiter, _ := newRateLimitEnv(t, 60, 3)

	r := gin.New()
	r.Use(RateLimit(limiter))
	r.GET("/v1/models", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, limitedRequest())

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 without an authenticated user, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter.allow
// ---------------------------------------------------------------------------

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	limiter, _ := newRateLimitEnv(t, 60, 1)

	// 6000 rpm refills 100 tokens per second, so 30ms restores the burst.
	if ok, _ := limiter.allow("sk-alice", 6000); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := limiter.allow("sk-alice", 6000); ok {
		t.Fatal("second immediate request should be rejected at burst 1")
	}

	time.Sleep(30 * time.Millisecond)

	if ok, _ := limiter.allow("sk-alice", 6000); !ok {
		t.Error("expected a token to refill after the wait")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := newRateLimitEnv(t, 60, 1)

	if ok, _ := limiter.allow("sk-alice", 60); !ok {
		t.Fatal("first request for sk-alice should be allowed")
	}
	if ok, _ := limiter.allow("sk-alice", 60); ok {
		t.Fatal("sk-alice should be exhausted at burst 1")
	}
	if ok, _ := limiter.allow("sk-bob", 60); !ok {
		t.Error("sk-bob should have its own bucket")
	}
}
