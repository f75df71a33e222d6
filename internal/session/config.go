package session

import (
	"encoding/hex"
	"strings"
	"time"

	"OpenGrant-Chain/internal/authz"
	xerrors "OpenGrant-Chain/internal/errors"
	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/redirect"
	"OpenGrant-Chain/internal/storage"
)

// Config 描述一条链上的会话编排配置。字段在构造编排器时一次性校验，
// 配置残缺必须立即失败，而不是等到连接流程中途才暴露。
type Config struct {
	// ChainID 是目标链标识，同时用于持久化键的命名空间。
	ChainID string
	// RPCURL 与 RESTURL 是链节点入口，透传给授权协作方。
	RPCURL  string
	RESTURL string
	// GasPrice 形如 "0.025uxion"，由授权服务代付时参考。
	GasPrice string
	// AuthzAPIURL 是授权服务的入口地址。
	AuthzAPIURL string
	// FeeGranter 是代付手续费的账户地址，缺失时授权交易无法上链。
	FeeGranter string
	// Treasury 是可选的金库合约地址。
	Treasury string
	// AddressPrefix 是目标链的 bech32 前缀。
	AddressPrefix string
	// ContractCodeID 与 ContractChecksum 锚定 granter 智能账户的代码版本，
	// 校验和不匹配意味着派生出的账户地址不可信。
	ContractCodeID   uint64
	ContractChecksum string
	// IndexerURL 是可选的索引服务地址。
	IndexerURL string
	// Grants 描述要授予 grantee 的权限范围。
	Grants authz.Grants
	// GetSignerConfig 提供 grantee 会话密钥的签名配置。
	GetSignerConfig keystore.Provider
	// HTTPTimeout 控制访问授权服务的超时，零值取默认。
	HTTPTimeout time.Duration
}

// Validate 校验配置完整性。所有问题一次性汇总在错误信息里，
// 避免修一个暴露一个。
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.ChainID) == "" {
		problems = append(problems, "chain_id 不能为空")
	}
	if strings.TrimSpace(c.AuthzAPIURL) == "" {
		problems = append(problems, "authz_api_url 不能为空")
	}
	if strings.TrimSpace(c.FeeGranter) == "" {
		problems = append(problems, "fee_granter 不能为空")
	}
	if c.ContractCodeID == 0 {
		problems = append(problems, "contract_code_id 不能为零")
	}
	checksum := strings.TrimSpace(c.ContractChecksum)
	switch {
	case checksum == "":
		problems = append(problems, "contract_checksum 不能为空")
	case !isHexChecksum(checksum):
		problems = append(problems, "contract_checksum 必须是十六进制字符串")
	}
	if c.GetSignerConfig == nil {
		problems = append(problems, "未提供签名配置提供者")
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeConfigValidation,
			"会话配置无效: "+strings.Join(problems, "; "),
			xerrors.WithMetadata("chain_id", c.ChainID),
		)
	}
	return nil
}

func isHexChecksum(value string) bool {
	if len(value)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

// controllerConfig 把编排配置归一化成授权控制器的输入。
func (c Config) controllerConfig(store storage.Store, dispatcher redirect.Dispatcher) authz.ControllerConfig {
	return authz.ControllerConfig{
		ChainID:          c.ChainID,
		RPCURL:           c.RPCURL,
		RESTURL:          c.RESTURL,
		GasPrice:         c.GasPrice,
		APIURL:           c.AuthzAPIURL,
		FeeGranter:       c.FeeGranter,
		Treasury:         c.Treasury,
		AddressPrefix:    c.AddressPrefix,
		ContractCodeID:   c.ContractCodeID,
		ContractChecksum: strings.ToLower(strings.TrimSpace(c.ContractChecksum)),
		IndexerURL:       c.IndexerURL,
		Grants:           c.Grants,
		GetSignerConfig:  c.GetSignerConfig,
		Store:            store,
		Redirect:         dispatcher,
		HTTPTimeout:      c.HTTPTimeout,
	}
}
