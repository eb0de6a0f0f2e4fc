// Package main is the entry point for the proxypal gateway binary. It
// dispatches three subcommands, serve, migrate, and version, via a switch on
// os.Args so the full CLI surface is readable in one place without a cobra
// dependency. The serve command runs auto-migration on startup so a fresh
// deployment never needs a separate migration step.
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proxypal/proxypal/internal/api"
	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/crypto"
	"github.com/proxypal/proxypal/internal/db"
	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/lockfile"
	"github.com/proxypal/proxypal/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("proxypal v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	logger := slog.Default()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cipher, err := loadCipher()
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	// A second instance sharing the SQLite file would corrupt the sidecar
	// lifecycle, so the lock is taken before anything else touches disk.
	lock, err := lockfile.Acquire(cfg.Server.LockFile, logger)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer lock.Release()

	database, err := db.Connect(db.DSN(cfg.Database.Path), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if schemaVersion, dirty, err := db.GetMigrationVersion(database); err != nil {
		logger.Warn("failed to read migration version", "error", err)
	} else {
		logger.Info("database ready", "path", cfg.Database.Path, "schema_version", schemaVersion, "dirty", dirty)
	}

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort, logger)
	}

	router, bgServices := api.NewRouter(cfg, database, cipher, logger)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	if err := bgServices.Sessions.EnsureAdminPassword(bootCtx, os.Getenv("ADMIN_PASSWORD")); err != nil {
		return fmt.Errorf("bootstrap admin password: %w", err)
	}

	if shouldAutoStart(bootCtx, database, logger) {
		if err := bgServices.Supervisor.Start(bootCtx); err != nil {
			// The admin can still start it manually once the upstream issue
			// is resolved; the gateway itself stays up.
			logger.Error("sidecar auto-start failed", "error", err)
		}
	}

	server := &http.Server{
		Addr:        cfg.Server.GetAddress(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: it would sever long SSE relays on the data plane.
		// The admin plane is bounded by its timeout middleware and the data
		// plane by the forwarder's own deadline.
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.GetAddress(), "base_url", cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	bgServices.Shutdown(ctx)

	logger.Info("server stopped gracefully")
	return nil
}

// keyDerivationIterations is the PBKDF2 cost for passphrase-derived keys
const keyDerivationIterations = 200000

// loadCipher builds the token cipher from the environment. ENCRYPTION_KEY
// takes precedence; ENCRYPTION_PASSPHRASE with ENCRYPTION_SALT derives a key
// via PBKDF2 for deployments that manage a passphrase instead of raw key
// material. When neither is set a one-off key is generated: stored credentials
// then survive only until the process exits, which is acceptable for first-run
// evaluation but logged loudly.
func loadCipher() (*crypto.TokenCipher, error) {
	if encoded := os.Getenv("ENCRYPTION_KEY"); encoded != "" {
		key, err := crypto.ParseKey(encoded)
		if err != nil {
			return nil, err
		}
		return crypto.NewTokenCipher(key)
	}

	if passphrase := os.Getenv("ENCRYPTION_PASSPHRASE"); passphrase != "" {
		salt, err := loadSalt()
		if err != nil {
			return nil, err
		}
		return crypto.DeriveTokenCipher(passphrase, salt, keyDerivationIterations)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	slog.Warn("ENCRYPTION_KEY not set, generated an ephemeral key; stored provider credentials will not survive a restart",
		"generated_key", base64.StdEncoding.EncodeToString(key),
	)
	return crypto.NewTokenCipher(key)
}

// loadSalt reads ENCRYPTION_SALT, generating one when absent. A generated
// salt is logged so it can be pinned; without pinning, passphrase-derived
// credentials will not survive a restart.
func loadSalt() ([]byte, error) {
	if encoded := os.Getenv("ENCRYPTION_SALT"); encoded != "" {
		salt, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode ENCRYPTION_SALT: %w", err)
		}
		return salt, nil
	}

	salt, err := crypto.GenerateSalt(16)
	if err != nil {
		return nil, err
	}
	slog.Warn("ENCRYPTION_SALT not set, generated one; pin it alongside the passphrase",
		"generated_salt", base64.StdEncoding.EncodeToString(salt),
	)
	return salt, nil
}

// shouldAutoStart reads the stored auto_start_proxy flag. Read errors default
// to starting: a gateway whose sidecar is down serves nothing.
func shouldAutoStart(ctx context.Context, database *sql.DB, logger *slog.Logger) bool {
	settings := repositories.NewSettingsRepository(database)
	raw, err := settings.GetSetting(ctx, models.SettingServerConfig)
	if err != nil {
		logger.Warn("failed to read server config, starting sidecar anyway", "error", err)
		return true
	}
	sc, err := models.ParseServerConfig(raw)
	if err != nil {
		logger.Warn("stored server config is corrupt, starting sidecar anyway", "error", err)
		return true
	}
	return sc.AutoStartProxy
}

func startMetricsServer(port int, logger *slog.Logger) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics server listening", "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(db.DSN(cfg.Database.Path), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "direction", direction, "schema_version", schemaVersion, "dirty", dirty)
	return nil
}
