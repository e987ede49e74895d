// Package eavs is a client for the EAVS virtual-key service: an LLM-proxy
// that issues short-lived API keys scoped to a session with a budget and
// rate-limit policy. The engine never persists the raw key, only its id
// and hash.
//
// Grounded on the original Rust client (reqwest + Bearer master-key auth);
// reimplemented with net/http since no HTTP client library appears
// elsewhere in the example corpus for this sort of small admin-API caller.
package eavs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every EAVS admin-API call.
const DefaultTimeout = 30 * time.Second

// Client talks to one EAVS instance's admin API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	masterKey  string
}

// New creates a Client against baseURL (e.g. "http://localhost:41823"),
// authenticating admin calls with masterKey.
func New(baseURL, masterKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    baseURL,
		masterKey:  masterKey,
	}
}

// KeyPermissions bounds a virtual key's spend and request rate.
type KeyPermissions struct {
	MaxBudgetUSD *float64 `json:"max_budget_usd,omitempty"`
	RPMLimit     *int     `json:"rpm_limit,omitempty"`
}

// CreateKeyRequest describes a new virtual key to mint for a session.
type CreateKeyRequest struct {
	Name        string                 `json:"name,omitempty"`
	Permissions *KeyPermissions        `json:"permissions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateKeyResponse is EAVS's reply to a successful create-key call. Key
// is the raw virtual key — callers must hash it and discard the raw value
// immediately; the engine never writes it to the repository.
type CreateKeyResponse struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
}

// KeyInfo is EAVS's view of an existing key, returned by get_key/list_keys.
type KeyInfo struct {
	KeyID       string                 `json:"key_id"`
	KeyHash     string                 `json:"key_hash"`
	Name        string                 `json:"name,omitempty"`
	Disabled    bool                   `json:"disabled"`
	Permissions *KeyPermissions        `json:"permissions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UsageRecord is one billed request against a key.
type UsageRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
	CostUSD   float64   `json:"cost_usd"`
}

// apiErrorResponse is EAVS's JSON error body for non-2xx, non-well-known
// status codes.
type apiErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error is a typed EAVS failure; Code mirrors a subset of the Rust
// client's EavsError variants that callers need to distinguish.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("eavs: %s: %s", e.Code, e.Message) }

const (
	ErrCodeConnectionFailed = "connection_failed"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeKeyNotFound      = "key_not_found"
	ErrCodeKeysDisabled     = "keys_disabled"
	ErrCodeParse            = "parse_error"
	ErrCodeAPI              = "api_error"
)

// HealthCheck reports whether EAVS answers its /health endpoint.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &Error{Code: ErrCodeConnectionFailed, Message: err.Error()}
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// CreateKey mints a new virtual key bound to a session's budget/rate policy.
func (c *Client) CreateKey(ctx context.Context, request CreateKeyRequest) (*CreateKeyResponse, error) {
	var out CreateKeyResponse
	if err := c.doJSON(ctx, http.MethodPost, "/admin/keys", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetKey fetches a key's metadata by id or hash.
func (c *Client) GetKey(ctx context.Context, keyIDOrHash string) (*KeyInfo, error) {
	var out KeyInfo
	if err := c.doJSON(ctx, http.MethodGet, "/admin/keys/"+keyIDOrHash, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListKeys returns every virtual key EAVS currently tracks.
func (c *Client) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	var out []KeyInfo
	if err := c.doJSON(ctx, http.MethodGet, "/admin/keys", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeKey disables a key. Idempotent from the caller's perspective: a
// 404 is surfaced as ErrCodeKeyNotFound so callers performing best-effort
// revocation (e.g. on failed create_session) can treat it as already gone.
func (c *Client) RevokeKey(ctx context.Context, keyIDOrHash string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/admin/keys/"+keyIDOrHash, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Code: ErrCodeConnectionFailed, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return &Error{Code: ErrCodeKeyNotFound, Message: keyIDOrHash}
	case http.StatusUnauthorized:
		return &Error{Code: ErrCodeUnauthorized, Message: "invalid master key"}
	case http.StatusServiceUnavailable:
		return &Error{Code: ErrCodeKeysDisabled, Message: "eavs keys disabled"}
	default:
		return c.parseAPIError(resp)
	}
}

// GetUsage returns the billing history EAVS has recorded for a key.
func (c *Client) GetUsage(ctx context.Context, keyIDOrHash string) ([]UsageRecord, error) {
	var out []UsageRecord
	if err := c.doJSON(ctx, http.MethodGet, "/admin/keys/"+keyIDOrHash+"/usage", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.masterKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Code: ErrCodeConnectionFailed, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &Error{Code: ErrCodeUnauthorized, Message: "invalid master key"}
	case http.StatusNotFound:
		return &Error{Code: ErrCodeKeyNotFound, Message: "unknown"}
	case http.StatusServiceUnavailable:
		return &Error{Code: ErrCodeKeysDisabled, Message: "eavs keys disabled"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.parseAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	return nil
}

func (c *Client) parseAPIError(resp *http.Response) error {
	var apiErr apiErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		return &Error{Code: ErrCodeParse, Message: fmt.Sprintf("failed to parse error response: %v", err)}
	}
	return &Error{Code: ErrCodeAPI, Message: apiErr.Error}
}
