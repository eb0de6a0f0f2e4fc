// Package sidecar owns the lifecycle of the routing sidecar process: config
// generation, spawning and supervision, and the loopback management API client.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// managementKeyHeader authenticates calls against the sidecar management API.
const managementKeyHeader = "X-Management-Key"

// ManagedProvider is one provider entry as reported by the sidecar
type ManagedProvider struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Healthy   bool   `json:"healthy"`
	AuthState string `json:"auth_state,omitempty"`
}

// AuthStatus is the sidecar's view of stored credentials per provider
type AuthStatus struct {
	Provider  string `json:"provider"`
	Account   string `json:"account,omitempty"`
	Valid     bool   `json:"valid"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Client talks to the sidecar management API over loopback
type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewClient creates a management client for the given sidecar endpoint
func NewClient(endpoint, managementKey string) *Client {
	return &Client{
		baseURL: endpoint,
		key:     managementKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set(managementKeyHeader, c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("management %s %s: status %d: %s", method, path, resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health probes the sidecar liveness endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v0/management/health", nil)
}

// Providers lists the providers the sidecar currently routes to
func (c *Client) Providers(ctx context.Context) ([]ManagedProvider, error) {
	var out struct {
		Providers []ManagedProvider `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/management/providers", &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

// AuthURL asks the sidecar for the provider's OAuth authorization URL
func (c *Client) AuthURL(ctx context.Context, provider string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("/v0/management/%s-auth-url", provider)
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// GetAuthStatus reports credential validity per provider account
func (c *Client) GetAuthStatus(ctx context.Context) ([]AuthStatus, error) {
	var out struct {
		Statuses []AuthStatus `json:"statuses"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/management/get-auth-status", &out); err != nil {
		return nil, err
	}
	return out.Statuses, nil
}

// Reload asks the sidecar to re-read its config file without a restart.
// Not all sidecar builds support this; callers fall back to a full restart
// on error.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v0/management/reload", nil)
}

// AuthFiles lists credential files the sidecar has written to its auth dir
func (c *Client) AuthFiles(ctx context.Context) ([]string, error) {
	var out struct {
		Files []string `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/management/auth-files", &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}
