package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// ClientConfig 描述访问授权服务 API 所需的信息。
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用授权服务，完成账户发现与授权创建。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建授权服务客户端。
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供授权服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Authenticator 标识 grantee 会话密钥的认证方式。
type Authenticator struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DiscoverRequest 请求授权服务查找或创建 granter 智能账户。
type DiscoverRequest struct {
	ChainID          string        `json:"chain_id"`
	Grantee          string        `json:"grantee"`
	Authenticator    Authenticator `json:"authenticator"`
	ContractCodeID   uint64        `json:"contract_code_id"`
	ContractChecksum string        `json:"contract_checksum"`
	AddressPrefix    string        `json:"address_prefix,omitempty"`
	Salt             string        `json:"salt"`
	Signature        string        `json:"signature"`
}

// DiscoverResponse 返回 granter 账户地址。
type DiscoverResponse struct {
	Granter string `json:"granter"`
	Created bool   `json:"created"`
}

// GrantRequest 请求授权服务为 grantee 建立授权。
type GrantRequest struct {
	RequestID  string `json:"request_id"`
	ChainID    string `json:"chain_id"`
	Granter    string `json:"granter"`
	Grantee    string `json:"grantee"`
	FeeGranter string `json:"fee_granter"`
	Treasury   string `json:"treasury,omitempty"`
	Grants     Grants `json:"grants"`
	Signature  string `json:"signature"`
}

// GrantResponse 返回授权创建结果。
type GrantResponse struct {
	Granted   bool      `json:"granted"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GrantStatus 描述现有授权的有效性。
type GrantStatus struct {
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DiscoverAccount 查找或创建 granter 账户。
func (c *Client) DiscoverAccount(ctx context.Context, req DiscoverRequest) (DiscoverResponse, error) {
	var resp DiscoverResponse
	if err := c.post(ctx, "/v1/accounts/discover", req, &resp); err != nil {
		return DiscoverResponse{}, err
	}
	if strings.TrimSpace(resp.Granter) == "" {
		return DiscoverResponse{}, errors.New("授权服务未返回 granter 地址")
	}
	return resp, nil
}

// CreateGrant 创建或刷新从 granter 到 grantee 的授权。
func (c *Client) CreateGrant(ctx context.Context, req GrantRequest) (GrantResponse, error) {
	var resp GrantResponse
	if err := c.post(ctx, "/v1/grants", req, &resp); err != nil {
		return GrantResponse{}, err
	}
	if !resp.Granted {
		return GrantResponse{}, errors.New("授权服务拒绝创建授权")
	}
	return resp, nil
}

// CheckGrant 查询现有授权是否仍然有效。
func (c *Client) CheckGrant(ctx context.Context, granter, grantee string) (GrantStatus, error) {
	query := url.Values{}
	query.Set("granter", granter)
	query.Set("grantee", grantee)

	endpoint := c.baseURL + "/v1/grants?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return GrantStatus{}, fmt.Errorf("构建授权查询请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return GrantStatus{}, fmt.Errorf("请求授权服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return GrantStatus{Active: false}, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return GrantStatus{}, decodeError(resp)
	}

	var status GrantStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return GrantStatus{}, fmt.Errorf("解析授权状态失败: %w", err)
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建授权服务请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求授权服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析授权服务响应失败: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("授权服务返回错误状态 %d: %s", resp.StatusCode, message)
}
