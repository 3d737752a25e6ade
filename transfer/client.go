package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Request describes a single movement of funds executed by the external
// settlement layer. TxID keys the operation so a retried request with the
// same id settles at most once.
type Request struct {
	TxID        string `json:"txId"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

// Client is the interface consumed by the engines that move funds.
type Client interface {
	Transfer(ctx context.Context, req Request) error
}

// ErrTransferRejected indicates the settlement layer refused the movement.
var ErrTransferRejected = errors.New("transfer: rejected by settlement layer")

// VaultRef returns the settlement-layer reference for a program vault.
func VaultRef(programID uuid.UUID) string {
	return "vault:" + programID.String()
}

// AccountRef returns the settlement-layer reference for an identity wallet.
func AccountRef(identity string) string {
	return "acct:" + strings.ToLower(strings.TrimSpace(identity))
}

// Config represents the HTTP client configuration.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient is a thin JSON-RPC wrapper over the settlement endpoint.
type HTTPClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewHTTPClient constructs a client targeting the supplied URL.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		url:    strings.TrimSpace(cfg.URL),
		apiKey: strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// Transfer posts the movement to the settlement layer. The call is bounded
// by the configured timeout and by the caller's context.
func (c *HTTPClient) Transfer(ctx context.Context, req Request) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("transfer: client not configured")
	}
	if strings.TrimSpace(req.TxID) == "" {
		return fmt.Errorf("transfer: tx id required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("transfer: amount must be positive")
	}
	var result struct {
		Settled bool `json:"settled"`
	}
	if err := c.call(ctx, "ledger_transfer", []interface{}{req}, &result); err != nil {
		return err
	}
	if !result.Settled {
		return ErrTransferRejected
	}
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("transfer: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("transfer: error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transfer: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("transfer: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ Client = (*HTTPClient)(nil)
