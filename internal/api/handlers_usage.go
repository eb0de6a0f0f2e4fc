package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/httperr"
	"github.com/proxypal/proxypal/internal/jobs"
)

// UsageHandler serves the accounting read endpoints under /api/usage plus the
// request log page at /api/logs. These are plain repository reads; there is no
// service layer in between.
type UsageHandler struct {
	usage  *repositories.UsageRepository
	rollup *jobs.UsageRollup
}

// NewUsageHandler creates the usage endpoint handler
func NewUsageHandler(usage *repositories.UsageRepository, rollup *jobs.UsageRollup) *UsageHandler {
	return &UsageHandler{usage: usage, rollup: rollup}
}

// validPeriods are the aggregation windows the stats endpoints accept
var validPeriods = map[string]bool{"today": true, "week": true, "month": true, "all": true}

func periodParam(c *gin.Context) (string, bool) {
	period := c.DefaultQuery("period", "all")
	if !validPeriods[period] {
		httperr.Write(c, httperr.CodeValidationError, "period must be today, week, month, or all")
		return "", false
	}
	return period, true
}

// Stats serves GET /api/usage: global totals plus the per-provider
// breakdown for the same period
func (h *UsageHandler) Stats(c *gin.Context) {
	period, ok := periodParam(c)
	if !ok {
		return
	}

	stats, err := h.usage.GetStats(c.Request.Context(), period)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to load usage stats")
		return
	}
	byProvider, err := h.usage.GetUsageByProvider(c.Request.Context(), period)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to load provider usage")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period":      period,
		"stats":       stats,
		"by_provider": byProvider,
	})
}

// UserStats serves GET /api/usage/users/:id
func (h *UsageHandler) UserStats(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		httperr.Write(c, httperr.CodeValidationError, "invalid user id")
		return
	}
	period, ok := periodParam(c)
	if !ok {
		return
	}

	stats, err := h.usage.GetUserStats(c.Request.Context(), id, period)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to load usage stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": period, "stats": stats})
}

// Daily serves GET /api/usage/daily: the per-day series with the live current
// day followed by rolled-up closed days
func (h *UsageHandler) Daily(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	if days < 1 || days > 365 {
		days = 30
	}

	series, err := h.usage.GetDailySeries(c.Request.Context(), days)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to load daily usage")
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "series": series})
}

// Logs serves GET /api/logs: a filtered page of request logs joined
// with user names, newest first
func (h *UsageHandler) Logs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	userID, _ := strconv.ParseInt(c.Query("user_id"), 10, 64)

	logs, total, err := h.usage.ListRequestLogs(
		c.Request.Context(),
		userID,
		c.Query("provider"),
		c.Query("status"),
		limit,
		offset,
	)
	if err != nil {
		httperr.Write(c, httperr.CodeInternalError, "failed to load request logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}

// TriggerRollup serves POST /api/usage/rollup: runs the compaction pass
// immediately instead of waiting for the next scheduled tick
func (h *UsageHandler) TriggerRollup(c *gin.Context) {
	h.rollup.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true})
}
