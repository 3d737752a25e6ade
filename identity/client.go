package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Holdings captures the stake and token balances the eligibility interpreter
// evaluates against.
type Holdings struct {
	Stake  int64            `json:"stake"`
	Tokens map[string]int64 `json:"tokens"`
}

// Source resolves on-chain holdings for an identity.
type Source interface {
	GetHoldings(ctx context.Context, identity string) (*Holdings, error)
}

// Config defines the HTTP client settings for the identity service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client fetches holdings snapshots from the external identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// GetHoldings fetches the holdings snapshot for the supplied identity.
func (c *Client) GetHoldings(ctx context.Context, identity string) (*Holdings, error) {
	if c == nil {
		return nil, fmt.Errorf("identity: client not configured")
	}
	trimmed := strings.ToLower(strings.TrimSpace(identity))
	if trimmed == "" {
		return nil, fmt.Errorf("identity: identity required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/identities/%s/holdings", c.baseURL, trimmed), nil)
	if err != nil {
		return nil, fmt.Errorf("identity: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}
	var payload Holdings
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	return &payload, nil
}

var _ Source = (*Client)(nil)
