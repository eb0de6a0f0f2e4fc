package gateway

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/db/models"
)

// defaultModels is the catalog advertised when no alias table exists. The
// sidecar accepts more than this; the list exists so OpenAI SDK clients that
// call list-models before their first completion get a sensible answer.
var defaultModels = []string{
	"claude-opus-4",
	"claude-sonnet-4",
	"claude-3-5-haiku",
	"gpt-4o",
	"gpt-4o-mini",
	"gemini-2.0-flash",
	"text-embedding-3-small",
}

// modelEntry is one element of the OpenAI list-models response
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Models serves GET /v1/models: the static catalog plus every alias from the
// admin model-mapping table, sorted and deduplicated.
func (g *Gateway) Models(c *gin.Context) {
	ids := make(map[string]bool, len(defaultModels))
	for _, id := range defaultModels {
		ids[id] = true
	}

	if g.settings != nil {
		raw, err := g.settings.GetSetting(c.Request.Context(), models.SettingServerConfig)
		if err == nil {
			if sc, err := models.ParseServerConfig(raw); err == nil {
				for alias := range sc.ModelMappings {
					ids[alias] = true
				}
			}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	now := time.Now().Unix()
	entries := make([]modelEntry, 0, len(sorted))
	for _, id := range sorted {
		entries = append(entries, modelEntry{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: providerForModel(id),
		})
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}

// providerForModel maps a model id to the provider family that serves it.
// The fallback takes the vendor segment of namespaced ids (vendor/model) or
// the first dash-separated token, which keeps accounting grouped even for
// models the gateway has never heard of.
func providerForModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "claude"
	case strings.HasPrefix(lower, "gpt"),
		strings.HasPrefix(lower, "chatgpt"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"),
		strings.HasPrefix(lower, "text-embedding"),
		strings.HasPrefix(lower, "dall-e"),
		strings.HasPrefix(lower, "whisper"):
		return "openai"
	case strings.HasPrefix(lower, "gemini"):
		return "gemini"
	}

	if idx := strings.IndexByte(lower, '/'); idx > 0 {
		return lower[:idx]
	}
	if idx := strings.IndexByte(lower, '-'); idx > 0 {
		return lower[:idx]
	}
	if lower == "" {
		return "unknown"
	}
	return lower
}
