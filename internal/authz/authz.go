package authz

import (
	"context"
	"time"

	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/redirect"
	"OpenGrant-Chain/internal/storage"
)

// Coin 表示一笔银行额度授权。
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// ContractGrant 表示针对单个合约的执行授权。
type ContractGrant struct {
	Address  string   `json:"address"`
	Limits   []Coin   `json:"limits,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

// Grants 描述 granter 授予 grantee 的全部权限范围。
type Grants struct {
	Contracts []ContractGrant `json:"contracts,omitempty"`
	Bank      []Coin          `json:"bank,omitempty"`
	Stake     bool            `json:"stake,omitempty"`
}

// Empty 判断是否没有配置任何授权范围。
func (g Grants) Empty() bool {
	return len(g.Contracts) == 0 && len(g.Bank) == 0 && !g.Stake
}

// ControllerConfig 是编排器交给授权控制器的归一化配置包。
type ControllerConfig struct {
	ChainID          string
	RPCURL           string
	RESTURL          string
	GasPrice         string
	APIURL           string
	FeeGranter       string
	Treasury         string
	AddressPrefix    string
	ContractCodeID   uint64
	ContractChecksum string
	IndexerURL       string
	Grants           Grants
	GetSignerConfig  keystore.Provider
	Store            storage.Store
	Redirect         redirect.Dispatcher
	HTTPTimeout      time.Duration
}

// SigningClient 是连接成功后交给调用方的签名句柄。签名路径是纯计算，
// 私钥始终留在 Key Store 内。
type SigningClient interface {
	GranterAddress() string
	GranteeAddress() string
	SignPayload(hexPayload string) (string, error)
}

// State 是控制器当前连接状态的快照。
type State struct {
	Connected bool
	Granter   string
	Grantee   string
	Signer    SigningClient
}

// Controller 定义授权协作方的窄接口。编排器只通过它驱动发现账户、
// 建立授权和恢复会话，因此测试可以注入脚本化的假实现。
type Controller interface {
	// Initialize 尝试从持久化端口恢复先前的会话，不触网。
	Initialize(ctx context.Context) error
	// Connect 发现或创建 granter 账户，并创建或校验授权。
	Connect(ctx context.Context) error
	// Disconnect 丢弃运行态连接，保留可恢复的持久化会话。
	Disconnect(ctx context.Context) error
	// Destroy 丢弃运行态连接并删除持久化会话。
	Destroy(ctx context.Context) error
	// GetState 返回当前连接状态快照。
	GetState() State
	// UpdateGetSignerConfig 替换签名配置提供者，支持密钥轮换。
	UpdateGetSignerConfig(provider keystore.Provider)
}

// Factory 根据归一化配置构造控制器。编排器持有 Factory 而不是具体实现。
type Factory func(cfg ControllerConfig) (Controller, error)
