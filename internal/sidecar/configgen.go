package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/proxypal/proxypal/internal/crypto"
	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
)

// routerConfig is the YAML document handed to the sidecar. Field order here
// is the serialization order, so regenerating from identical DB state yields
// byte-identical output.
type routerConfig struct {
	Host          string            `yaml:"host"`
	Port          int               `yaml:"port"`
	LogLevel      string            `yaml:"log_level"`
	AuthDir       string            `yaml:"auth_dir"`
	ManagementKey string            `yaml:"management_key,omitempty"`
	ModelMappings []modelMapping    `yaml:"model_mappings,omitempty"`
	Providers     []providerBlock   `yaml:"providers"`
}

type modelMapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type providerBlock struct {
	Name          string   `yaml:"name"`
	Type          string   `yaml:"type"`
	Accounts      int      `yaml:"accounts"`
	LoadBalancing string   `yaml:"load_balancing,omitempty"`
	TimeoutSecs   int      `yaml:"timeout_seconds,omitempty"`
	RequestRetry  int      `yaml:"request_retry,omitempty"`
	APIKeys       []string `yaml:"api_keys,omitempty"`
}

// Generator projects DB state into the sidecar YAML config
type Generator struct {
	providers *repositories.ProviderRepository
	accounts  *repositories.AccountRepository
	settings  *repositories.SettingsRepository
	cipher    *crypto.TokenCipher

	path    string
	authDir string
	host    string
	mgmtKey string
}

// NewGenerator creates a config generator writing to path
func NewGenerator(
	providers *repositories.ProviderRepository,
	accounts *repositories.AccountRepository,
	settings *repositories.SettingsRepository,
	cipher *crypto.TokenCipher,
	path, authDir, host, managementKey string,
) *Generator {
	return &Generator{
		providers: providers,
		accounts:  accounts,
		settings:  settings,
		cipher:    cipher,
		path:      path,
		authDir:   authDir,
		host:      host,
		mgmtKey:   managementKey,
	}
}

// Generate renders the sidecar config from current DB state. Output is
// deterministic: providers arrive name-ordered from the repository and map
// entries are flattened into a sorted slice.
func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	raw, err := g.settings.GetSetting(ctx, models.SettingServerConfig)
	if err != nil {
		return nil, fmt.Errorf("read server config: %w", err)
	}
	sc, err := models.ParseServerConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}

	cfg := routerConfig{
		Host:          g.host,
		Port:          sc.ProxyPort,
		LogLevel:      sc.LogLevel,
		AuthDir:       g.authDir,
		ManagementKey: g.mgmtKey,
		ModelMappings: sortedMappings(sc.ModelMappings),
	}

	providers, err := g.providers.ListEnabledProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	for _, p := range providers {
		ps, err := p.ParseSettings()
		if err != nil {
			return nil, fmt.Errorf("provider %s settings: %w", p.Name, err)
		}

		accounts, err := g.accounts.ListActiveAccountsByProvider(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("provider %s accounts: %w", p.Name, err)
		}

		block := providerBlock{
			Name:          p.Name,
			Type:          p.Type,
			Accounts:      len(accounts),
			LoadBalancing: ps.LoadBalancing,
			TimeoutSecs:   ps.TimeoutSeconds,
			RequestRetry:  ps.RequestRetry,
		}

		// api_key providers carry their key material inline; oauth providers
		// authenticate via files in the auth dir instead.
		if p.Type == models.ProviderTypeAPIKey {
			for _, a := range accounts {
				plaintext, err := g.cipher.Open(a.Tokens)
				if err != nil {
					return nil, fmt.Errorf("provider %s account %d: %w", p.Name, a.ID, err)
				}
				var tokens models.AccountTokens
				if err := json.Unmarshal([]byte(plaintext), &tokens); err != nil {
					return nil, fmt.Errorf("provider %s account %d: %w", p.Name, a.ID, err)
				}
				block.APIKeys = append(block.APIKeys, tokens.AccessToken)
			}
		}

		cfg.Providers = append(cfg.Providers, block)
	}
	if cfg.Providers == nil {
		cfg.Providers = []providerBlock{}
	}

	return yaml.Marshal(&cfg)
}

// Write renders the config and atomically replaces the file on disk when the
// content changed. Returns whether a write happened, which Reload uses to
// decide if a restart is warranted.
func (g *Generator) Write(ctx context.Context) (bool, error) {
	rendered, err := g.Generate(ctx)
	if err != nil {
		return false, err
	}

	existing, err := os.ReadFile(g.path)
	if err == nil && bytes.Equal(existing, rendered) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	dir := filepath.Dir(g.path)
	tmp, err := os.CreateTemp(dir, ".router-config-*.yaml")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(rendered); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmpName, g.path); err != nil {
		return false, err
	}

	return true, nil
}

// Path returns the config file location
func (g *Generator) Path() string {
	return g.path
}

func sortedMappings(m map[string]string) []modelMapping {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]modelMapping, 0, len(keys))
	for _, k := range keys {
		out = append(out, modelMapping{From: k, To: m[k]})
	}
	return out
}
