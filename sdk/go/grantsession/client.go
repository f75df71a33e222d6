package grantsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the grantd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Wallet describes a grantee session wallet managed by the daemon.
type Wallet struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

// SessionState mirrors the daemon's session snapshot.
type SessionState struct {
	Phase   string `json:"phase"`
	Granter string `json:"granter,omitempty"`
	Grantee string `json:"grantee,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Connected reports whether the session can sign.
func (s SessionState) Connected() bool { return s.Phase == "connected" }

// Signature is the result of signing a payload through the session.
type Signature struct {
	Signature string `json:"signature"`
	Granter   string `json:"granter"`
	Grantee   string `json:"grantee"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("grantd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("grantd api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the grantd API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the static API token issued by the operator. Leaving
// it empty is fine when the daemon runs with authentication disabled.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// CreateWallet creates (or returns the existing) session wallet for identity.
func (c *Client) CreateWallet(ctx context.Context, identity string) (Wallet, error) {
	var wallet Wallet
	payload := struct {
		Identity string `json:"identity"`
	}{Identity: identity}
	if err := c.post(ctx, "/api/v1/wallets", payload, &wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// GetWallet fetches the wallet for an identity.
func (c *Client) GetWallet(ctx context.Context, identity string) (Wallet, error) {
	var wallet Wallet
	if err := c.get(ctx, "/api/v1/wallets/"+url.PathEscape(identity), &wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// DeleteWallet removes the wallet for an identity.
func (c *Client) DeleteWallet(ctx context.Context, identity string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/wallets/"+url.PathEscape(identity), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// GetSessionState fetches the current session snapshot.
func (c *Client) GetSessionState(ctx context.Context) (SessionState, error) {
	var state SessionState
	if err := c.get(ctx, "/api/v1/session", &state); err != nil {
		return SessionState{}, err
	}
	return state, nil
}

// Connect asks the daemon to establish the signing session.
func (c *Client) Connect(ctx context.Context) (SessionState, error) {
	var state SessionState
	if err := c.post(ctx, "/api/v1/session/connect", nil, &state); err != nil {
		return SessionState{}, err
	}
	return state, nil
}

// Disconnect drops the runtime connection while keeping the persisted session.
func (c *Client) Disconnect(ctx context.Context) (SessionState, error) {
	var state SessionState
	if err := c.post(ctx, "/api/v1/session/disconnect", nil, &state); err != nil {
		return SessionState{}, err
	}
	return state, nil
}

// Sign signs a 0x-prefixed hex payload through the established session.
func (c *Client) Sign(ctx context.Context, hexPayload string) (Signature, error) {
	var signature Signature
	payload := struct {
		Payload string `json:"payload"`
	}{Payload: hexPayload}
	if err := c.post(ctx, "/api/v1/session/sign", payload, &signature); err != nil {
		return Signature{}, err
	}
	return signature, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
