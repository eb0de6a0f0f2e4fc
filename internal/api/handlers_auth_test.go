package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
)

func newAuthRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	database, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	sessions := auth.NewSessionManager(
		repositories.NewSessionRepository(database),
		repositories.NewSettingsRepository(database),
		time.Hour,
		24*time.Hour,
		apiTestLogger(),
	)
	handler := NewAuthHandler(sessions, false)

	router := gin.New()
	router.POST("/api/auth/login", handler.Login)
	router.POST("/api/auth/logout", handler.Logout)
	router.GET("/api/auth/status", handler.Status)
	return router, mock
}

func queueAdminHash(t *testing.T, mock sqlmock.Sqlmock, password string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	mock.ExpectQuery("SELECT value FROM settings").
		WithArgs(models.SettingAdminPasswordHash).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(hash))
}

// ---------------------------------------------------------------------------
// login
// ---------------------------------------------------------------------------

func TestLogin_SetsBothCookies(t *testing.T) {
	router, mock := newAuthRouter(t)
	queueAdminHash(t, mock, "hunter2")
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", `{"password":"hunter2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	cookies := w.Result().Cookies()
	var sawSession, sawCSRF bool
	for _, cookie := range cookies {
		switch cookie.Name {
		case "session":
			sawSession = true
			if !cookie.HttpOnly {
				t.Error("session cookie must be HttpOnly")
			}
		case "csrf_token":
			sawCSRF = true
			if cookie.HttpOnly {
				t.Error("csrf cookie must be readable by the frontend")
			}
		}
	}
	if !sawSession || !sawCSRF {
		t.Fatalf("cookies = %v, want session and csrf_token", cookies)
	}
	if !strings.Contains(w.Body.String(), "expires_at") {
		t.Errorf("body = %s, want expires_at", w.Body.String())
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	router, mock := newAuthRouter(t)
	queueAdminHash(t, mock, "hunter2")

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", `{"password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	envelope := decodeErrEnvelope(t, w.Body.String())
	if envelope.Code != httperr.CodeUnauthorized {
		t.Errorf("code = %s, want %s", envelope.Code, httperr.CodeUnauthorized)
	}
}

func TestLogin_MissingPassword(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestLogin_NotBootstrapped(t *testing.T) {
	router, mock := newAuthRouter(t)
	mock.ExpectQuery("SELECT value FROM settings").
		WithArgs(models.SettingAdminPasswordHash).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", `{"password":"anything"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func TestStatus_NoCookie(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/auth/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"authenticated":false`) {
		t.Errorf("body = %s, want authenticated false", w.Body.String())
	}
}

func TestStatus_LiveSession(t *testing.T) {
	router, mock := newAuthRouter(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT.*FROM sessions.*WHERE id").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "csrf_token", "expires_at", "created_at", "last_accessed"}).
			AddRow("sess-1", "csrf-1",
				now.Add(2*time.Hour).Format(time.RFC3339),
				now.Add(-time.Hour).Format(time.RFC3339),
				now.Format(time.RFC3339)))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/api/auth/status", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "sess-1"})
	w := doRequest(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"authenticated":true`) {
		t.Errorf("body = %s, want authenticated true", w.Body.String())
	}
}

func TestStatus_ExpiredSession(t *testing.T) {
	router, mock := newAuthRouter(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT.*FROM sessions.*WHERE id").
		WithArgs("sess-old").
		WillReturnRows(sqlmock.NewRows([]string{"id", "csrf_token", "expires_at", "created_at", "last_accessed"}).
			AddRow("sess-old", "csrf-1",
				now.Add(-time.Minute).Format(time.RFC3339),
				now.Add(-2*time.Hour).Format(time.RFC3339),
				now.Add(-time.Hour).Format(time.RFC3339)))
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("sess-old").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/api/auth/status", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "sess-old"})
	w := doRequest(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"authenticated":false`) {
		t.Errorf("body = %s, want authenticated false", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// logout
// ---------------------------------------------------------------------------

func TestLogout_DeletesSessionAndClearsCookies(t *testing.T) {
	router, mock := newAuthRouter(t)
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "sess-1"})
	w := doRequest(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	for _, cookie := range w.Result().Cookies() {
		if cookie.MaxAge >= 0 {
			t.Errorf("cookie %s MaxAge = %d, want negative to clear", cookie.Name, cookie.MaxAge)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLogout_WithoutCookieStillSucceeds(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/auth/logout", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
