// ratelimit.go enforces the per-key token bucket on the data plane. The
// requests-per-minute fill rate comes from the admin-editable server config so
// a settings change applies without a restart; burst capacity is fixed at
// process start.
package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/telemetry"
)

// bucket tracks the token balance for one API key
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter is a token bucket limiter keyed by user. Buckets idle for more
// than ten minutes are dropped by the cleanup loop.
type RateLimiter struct {
	settings *repositories.SettingsRepository
	burst    int

	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
}

// NewRateLimiter creates a limiter whose fill rate follows the rpm value in
// the stored server config
func NewRateLimiter(settings *repositories.SettingsRepository, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		settings: settings,
		burst:    burst,
		buckets:  make(map[string]*bucket),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.buckets {
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop terminates the cleanup loop
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// rpm reads the current fill rate from settings. The settings repository
// caches reads, so this does not hit the database per request.
func (rl *RateLimiter) rpm(c *gin.Context) int {
	raw, err := rl.settings.GetSetting(c.Request.Context(), models.SettingServerConfig)
	if err != nil {
		return models.DefaultServerConfig().RequestsPerMin
	}
	sc, err := models.ParseServerConfig(raw)
	if err != nil {
		return models.DefaultServerConfig().RequestsPerMin
	}
	if sc.RequestsPerMin < 1 {
		return models.DefaultServerConfig().RequestsPerMin
	}
	return sc.RequestsPerMin
}

// allow consumes a token from key's bucket, reporting whether the request may
// proceed and how many whole tokens remain
func (rl *RateLimiter) allow(key string, perMinute int) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastUpdate: now}
		rl.buckets[key] = b
	}

	refill := now.Sub(b.lastUpdate).Seconds() * float64(perMinute) / 60.0
	b.tokens = min(float64(rl.burst), b.tokens+refill)
	b.lastUpdate = now

	if b.tokens < 1 {
		return false, 0
	}
	b.tokens--
	return true, int(b.tokens)
}

// RateLimit rejects requests above the per-key budget with 429 and the
// standard limit headers. Runs after APIKeyAuth, which supplies the key.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := UserFromContext(c)
		if user == nil {
			httperr.Abort(c, httperr.CodeInternalError, "rate limiter requires an authenticated user")
			return
		}

		perMinute := limiter.rpm(c)
		allowed, remaining := limiter.allow(user.APIKeyPrefix, perMinute)

		c.Header("X-RateLimit-Limit", strconv.Itoa(perMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			telemetry.RateLimitedTotal.Inc()
			c.Header("Retry-After", "60")
			httperr.Abort(c, httperr.CodeRateLimited, "rate limit exceeded")
			return
		}

		c.Next()
	}
}
