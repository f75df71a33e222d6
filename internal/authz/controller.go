package authz

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/redirect"
	"OpenGrant-Chain/internal/storage"
	"OpenGrant-Chain/pkg/logger"
)

// sessionBlobVersion 标识持久化会话的格式版本，升级格式时递增。
const sessionBlobVersion = 1

// persistedSession 是写入持久化端口的会话快照。结构由本包独占，
// 编排器只关心它存在与否。
type persistedSession struct {
	Version         int       `json:"version"`
	ChainID         string    `json:"chain_id"`
	Granter         string    `json:"granter"`
	Grantee         string    `json:"grantee"`
	AuthenticatorID string    `json:"authenticator_id"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (s persistedSession) valid(chainID, grantee string, now time.Time) bool {
	if s.Version != sessionBlobVersion {
		return false
	}
	if s.ChainID != chainID || s.Grantee != grantee {
		return false
	}
	if s.Granter == "" {
		return false
	}
	return s.ExpiresAt.After(now)
}

// controller 是默认的授权控制器实现：通过授权服务 API 发现账户并建立
// 授权，通过持久化端口保存可恢复的会话。
type controller struct {
	mu       sync.RWMutex
	cfg      ControllerConfig
	client   *Client
	store    storage.Store
	redirect redirect.Dispatcher
	provider keystore.Provider

	connected bool
	granter   string
	grantee   string
	expiresAt time.Time
}

// NewController 构造默认控制器。满足 Factory 签名。
func NewController(cfg ControllerConfig) (Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("未提供持久化端口")
	}
	if cfg.GetSignerConfig == nil {
		return nil, errors.New("未提供签名配置提供者")
	}
	client, err := NewClient(ClientConfig{BaseURL: cfg.APIURL, Timeout: cfg.HTTPTimeout})
	if err != nil {
		return nil, err
	}
	dispatcher := cfg.Redirect
	if dispatcher == nil {
		dispatcher = redirect.NewNoopDispatcher()
	}
	return &controller{
		cfg:      cfg,
		client:   client,
		store:    cfg.Store,
		redirect: dispatcher,
		provider: cfg.GetSignerConfig,
	}, nil
}

func (c *controller) sessionKey(grantee string) string {
	return "grantd:session:" + c.cfg.ChainID + ":" + grantee
}

// Initialize 尝试恢复先前持久化的会话。只读本地存储，不访问授权服务。
func (c *controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()

	signer, err := provider()
	if err != nil {
		return err
	}

	key := c.sessionKey(signer.Address)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("读取持久化会话失败: %w", err)
	}
	if !ok {
		return nil
	}

	var session persistedSession
	if err := json.Unmarshal(raw, &session); err != nil {
		// 损坏的会话快照直接清理，等待下一次 Connect 重建。
		logger.Named("authz").Warn("丢弃无法解析的会话快照", "key", key, "error", err)
		_ = c.store.Remove(ctx, key)
		return nil
	}
	if !session.valid(c.cfg.ChainID, signer.Address, time.Now()) {
		logger.Named("authz").Info("丢弃过期或不匹配的会话快照",
			"granter", session.Granter,
			"grantee", session.Grantee,
			"expires_at", session.ExpiresAt,
		)
		_ = c.store.Remove(ctx, key)
		return nil
	}

	c.mu.Lock()
	c.connected = true
	c.granter = session.Granter
	c.grantee = session.Grantee
	c.expiresAt = session.ExpiresAt
	c.mu.Unlock()
	return nil
}

// Connect 发现或创建 granter 账户，并确保授权有效。已有授权过期或失效
// 时自动重建，不需要人工干预。
func (c *controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()

	signer, err := provider()
	if err != nil {
		return err
	}

	discoverReq := DiscoverRequest{
		ChainID: c.cfg.ChainID,
		Grantee: signer.Address,
		Authenticator: Authenticator{
			Type: signer.AuthenticatorType,
			ID:   signer.AuthenticatorID,
		},
		ContractCodeID:   c.cfg.ContractCodeID,
		ContractChecksum: c.cfg.ContractChecksum,
		AddressPrefix:    c.cfg.AddressPrefix,
		Salt:             uuid.NewString(),
	}
	discoverReq.Signature, err = signRequest(signer, discoverReq)
	if err != nil {
		return err
	}
	discovered, err := c.client.DiscoverAccount(ctx, discoverReq)
	if err != nil {
		return err
	}

	status, err := c.client.CheckGrant(ctx, discovered.Granter, signer.Address)
	if err != nil {
		return err
	}

	expiresAt := status.ExpiresAt
	if !status.Active || !status.ExpiresAt.After(time.Now()) {
		grantReq := GrantRequest{
			RequestID:  uuid.NewString(),
			ChainID:    c.cfg.ChainID,
			Granter:    discovered.Granter,
			Grantee:    signer.Address,
			FeeGranter: c.cfg.FeeGranter,
			Treasury:   c.cfg.Treasury,
			Grants:     c.cfg.Grants,
		}
		grantReq.Signature, err = signRequest(signer, grantReq)
		if err != nil {
			return err
		}
		granted, err := c.client.CreateGrant(ctx, grantReq)
		if err != nil {
			return err
		}
		expiresAt = granted.ExpiresAt
	}

	session := persistedSession{
		Version:         sessionBlobVersion,
		ChainID:         c.cfg.ChainID,
		Granter:         discovered.Granter,
		Grantee:         signer.Address,
		AuthenticatorID: signer.AuthenticatorID,
		ExpiresAt:       expiresAt,
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("序列化会话快照失败: %w", err)
	}
	if err := c.store.Set(ctx, c.sessionKey(signer.Address), raw); err != nil {
		return fmt.Errorf("保存会话快照失败: %w", err)
	}

	// 无界面环境下重定向是空操作，但交互部署依赖这一调用清理回跳参数。
	c.redirect.CleanURLParameters()

	c.mu.Lock()
	c.connected = true
	c.granter = discovered.Granter
	c.grantee = signer.Address
	c.expiresAt = expiresAt
	c.mu.Unlock()
	return nil
}

// Disconnect 丢弃运行态连接，保留持久化会话供下次 Initialize 恢复。
func (c *controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.granter = ""
	c.grantee = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
	c.redirect.RemoveRedirectHandler()
	return nil
}

// Destroy 丢弃运行态连接并删除持久化会话。
func (c *controller) Destroy(ctx context.Context) error {
	c.mu.Lock()
	provider := c.provider
	grantee := c.grantee
	c.connected = false
	c.granter = ""
	c.grantee = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()

	if grantee == "" {
		if signer, err := provider(); err == nil {
			grantee = signer.Address
		}
	}
	if grantee != "" {
		if err := c.store.Remove(ctx, c.sessionKey(grantee)); err != nil {
			return fmt.Errorf("删除会话快照失败: %w", err)
		}
	}
	c.redirect.RemoveRedirectHandler()
	return nil
}

// GetState 返回连接状态快照。
func (c *controller) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return State{}
	}
	return State{
		Connected: true,
		Granter:   c.granter,
		Grantee:   c.grantee,
		Signer: &signingClient{
			granter:  c.granter,
			grantee:  c.grantee,
			provider: c.provider,
		},
	}
}

// UpdateGetSignerConfig 替换签名配置提供者，支持外部密钥轮换。
func (c *controller) UpdateGetSignerConfig(provider keystore.Provider) {
	if provider == nil {
		return
	}
	c.mu.Lock()
	c.provider = provider
	c.mu.Unlock()
}

// signingClient 将签名配置与授权关系绑定成一个签名句柄。
type signingClient struct {
	granter  string
	grantee  string
	provider keystore.Provider
}

func (s *signingClient) GranterAddress() string { return s.granter }

func (s *signingClient) GranteeAddress() string { return s.grantee }

func (s *signingClient) SignPayload(hexPayload string) (string, error) {
	signer, err := s.provider()
	if err != nil {
		return "", err
	}
	return signer.SignMessage(hexPayload)
}

// signRequest 对请求体的 JSON 编码签名，授权服务以此校验 grantee 对
// 会话密钥的控制权。
func signRequest(signer keystore.SignerConfig, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化签名载荷失败: %w", err)
	}
	signature, err := signer.SignMessage("0x" + hex.EncodeToString(body))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(signature), nil
}
