// router.go assembles both planes onto one engine.
//
// Route grouping:
//   - /healthz is unauthenticated liveness.
//   - /api/auth/* is the session lifecycle and runs before session auth.
//   - /api/* is the admin plane: session cookie plus CSRF on writes, 30s
//     request timeout.
//   - /oauth/:provider/start runs behind session auth; the callback is
//     unauthenticated because the provider redirects the browser there, and
//     is validated through the single-use state nonce instead.
//   - /v1/* is the data plane: API key auth, then rate limit, then quota
//     gate, then the forwarder. No request timeout middleware here; the
//     forwarder applies its own deadline so SSE streams are not cut short.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/crypto"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/gateway"
	"github.com/proxypal/proxypal/internal/jobs"
	"github.com/proxypal/proxypal/internal/middleware"
	"github.com/proxypal/proxypal/internal/services"
	"github.com/proxypal/proxypal/internal/sidecar"
)

// adminTimeout bounds one admin-plane request
const adminTimeout = 30 * time.Second

// BackgroundServices holds everything the router starts that must be stopped
// during graceful shutdown. The caller (cmd/server) calls Shutdown after the
// HTTP server has drained in-flight requests.
type BackgroundServices struct {
	// Sessions is exposed so main can bootstrap the admin password
	Sessions *auth.SessionManager
	// Supervisor is exposed so main can auto-start the sidecar
	Supervisor *sidecar.Supervisor

	rollup      *jobs.UsageRollup
	rateLimiter *middleware.RateLimiter
	cancel      context.CancelFunc
	logger      *slog.Logger
}

// Shutdown stops the background goroutines and the sidecar child process
func (bg *BackgroundServices) Shutdown(ctx context.Context) {
	bg.logger.Info("stopping background services")
	bg.cancel()
	if bg.rollup != nil {
		bg.rollup.Stop()
	}
	if bg.rateLimiter != nil {
		bg.rateLimiter.Stop()
	}
	if err := bg.Supervisor.Stop(ctx); err != nil {
		bg.logger.Warn("sidecar stop during shutdown failed", "error", err)
	}
	bg.logger.Info("all background services stopped")
}

// NewRouter creates the Gin engine for both planes and starts the background
// workers. The sidecar itself is not started here; main decides based on the
// stored auto_start_proxy flag.
func NewRouter(cfg *config.Config, database *sql.DB, cipher *crypto.TokenCipher, logger *slog.Logger) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	userRepo := repositories.NewUserRepository(database)
	providerRepo := repositories.NewProviderRepository(database)
	accountRepo := repositories.NewAccountRepository(database)
	sessionRepo := repositories.NewSessionRepository(database)
	stateRepo := repositories.NewOAuthStateRepository(database)
	settingsRepo := repositories.NewSettingsRepository(database)
	usageRepo := repositories.NewUsageRepository(database)

	sessions := auth.NewSessionManager(sessionRepo, settingsRepo, cfg.Auth.SessionTTL, cfg.Auth.SessionMaxAge, logger)

	authDir := filepath.Join(filepath.Dir(cfg.Sidecar.ConfigPath), "auth")
	generator := sidecar.NewGenerator(
		providerRepo,
		accountRepo,
		settingsRepo,
		cipher,
		cfg.Sidecar.ConfigPath,
		authDir,
		cfg.Sidecar.Host,
		cfg.Sidecar.ManagementKey,
	)
	client := sidecar.NewClient(cfg.Sidecar.Endpoint(), cfg.Sidecar.ManagementKey)
	supervisor := sidecar.NewSupervisor(cfg.Sidecar, generator, client, logger)

	oauthFlow := auth.NewOAuthFlow(stateRepo, providerRepo, accountRepo, cipher, client, cfg.Auth.OAuthStateTTL, logger)

	userManager := services.NewUserManager(userRepo, logger)
	providerManager := services.NewProviderManager(providerRepo, accountRepo, supervisor, client, logger)

	rollup := jobs.NewUsageRollup(usageRepo, cfg.Proxy.RetentionDays, 24*time.Hour, logger)
	forwarder := gateway.NewGateway(
		supervisor.Endpoint(),
		usageRepo,
		providerRepo,
		accountRepo,
		settingsRepo,
		oauthFlow,
		supervisor,
		cfg.Proxy.RequestTimeout,
		logger,
	)

	authHandler := NewAuthHandler(sessions, cfg.Auth.CookieSecure)
	userHandler := NewUserHandler(userManager)
	providerHandler := NewProviderHandler(providerManager)
	oauthHandler := NewOAuthHandler(oauthFlow, cfg.Server.GetPublicURL())
	usageHandler := NewUsageHandler(usageRepo, rollup)
	settingsHandler := NewSettingsHandler(settingsRepo, supervisor, logger)
	sidecarHandler := NewSidecarHandler(supervisor)

	bgCtx, cancel := context.WithCancel(context.Background())
	sessions.StartSweeper(bgCtx, time.Hour)
	oauthFlow.StartSweeper(bgCtx, 5*time.Minute)
	rollup.Start(bgCtx)

	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())

	router.GET("/healthz", healthCheckHandler(database))

	apiGroup := router.Group("/api", middleware.Timeout(adminTimeout))
	{
		authGroup := apiGroup.Group("/auth")
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.GET("/status", authHandler.Status)

		admin := apiGroup.Group("", middleware.SessionAuth(sessions))
		{
			admin.GET("/users", userHandler.List)
			admin.POST("/users", userHandler.Create)
			admin.GET("/users/:id", userHandler.Get)
			admin.PUT("/users/:id", userHandler.Update)
			admin.DELETE("/users/:id", userHandler.Delete)
			admin.POST("/users/:id/regenerate-key", userHandler.RegenerateKey)
			admin.POST("/users/:id/reset-usage", userHandler.ResetUsage)

			admin.GET("/providers", providerHandler.List)
			admin.GET("/providers/:name", providerHandler.Get)
			admin.PUT("/providers/:name/settings", providerHandler.UpdateSettings)
			admin.POST("/providers/:name/enable", providerHandler.SetEnabled)
			admin.DELETE("/providers/:name/accounts/:accountID", providerHandler.DeleteAccount)
			admin.GET("/providers/:name/health", providerHandler.HealthCheck)

			admin.GET("/usage", usageHandler.Stats)
			admin.GET("/usage/users/:id", usageHandler.UserStats)
			admin.GET("/usage/daily", usageHandler.Daily)
			admin.POST("/usage/rollup", usageHandler.TriggerRollup)
			admin.GET("/logs", usageHandler.Logs)

			admin.GET("/config", settingsHandler.Get)
			admin.PUT("/config", settingsHandler.Update)

			admin.GET("/proxy/status", sidecarHandler.Status)
			admin.POST("/proxy/start", sidecarHandler.Start)
			admin.POST("/proxy/stop", sidecarHandler.Stop)
			admin.POST("/proxy/restart", sidecarHandler.Restart)
		}
	}

	oauthGroup := router.Group("/oauth/:provider")
	oauthGroup.GET("/start", middleware.SessionAuth(sessions), oauthHandler.Start)
	oauthGroup.GET("/callback", oauthHandler.Callback)

	bg := &BackgroundServices{
		Sessions:   sessions,
		Supervisor: supervisor,
		rollup:     rollup,
		cancel:     cancel,
		logger:     logger,
	}

	v1 := router.Group("/v1", middleware.APIKeyAuth(userRepo))
	if cfg.Security.RateLimiting.Enabled {
		bg.rateLimiter = middleware.NewRateLimiter(settingsRepo, cfg.Security.RateLimiting.Burst)
		v1.Use(middleware.RateLimit(bg.rateLimiter))
	}
	v1.GET("/models", middleware.QuotaGate(), forwarder.Models)
	completions := v1.Group("", middleware.QuotaGate())
	completions.POST("/chat/completions", forwarder.Forward)
	completions.POST("/completions", forwarder.Forward)
	completions.POST("/embeddings", forwarder.Forward)

	return router, bg
}

// healthCheckHandler reports liveness. The database ping is included so a
// wedged SQLite file shows up here before it shows up as 500s elsewhere.
func healthCheckHandler(database *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := database.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
