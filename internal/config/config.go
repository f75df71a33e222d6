package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"OpenGrant-Chain/internal/auth"
	"OpenGrant-Chain/internal/authz"
)

// Config 描述了 grantd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Chain    ChainConfig    `json:"chain"`
	Authz    AuthzConfig    `json:"authz"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Logging  LoggingConfig  `json:"logging"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address"`
}

// AuthConfig 控制 API 的访问控制方式。
type AuthConfig struct {
	Mode   string           `json:"mode"`
	Tokens []auth.TokenSeed `json:"tokens"`
}

// ChainConfig 指向链定义文件并选择默认链。
type ChainConfig struct {
	DefinitionsPath string `json:"definitions_path"`
	Default         string `json:"default"`
}

// AuthzConfig 描述授权服务与授权范围。
type AuthzConfig struct {
	APIURL             string       `json:"api_url"`
	FeeGranter         string       `json:"fee_granter"`
	Treasury           string       `json:"treasury"`
	ContractCodeID     uint64       `json:"contract_code_id"`
	ContractChecksum   string       `json:"contract_checksum"`
	HTTPTimeoutSeconds int          `json:"http_timeout_seconds"`
	Grants             authz.Grants `json:"grants"`
}

// StorageConfig 统一描述会话持久化后端的连接信息。
type StorageConfig struct {
	SessionStore SessionStoreConfig `json:"session_store"`
}

// SessionStoreConfig 支持 memory、redis、mysql 三种驱动。
type SessionStoreConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	MySQL  MySQLConfig `json:"mysql"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

// EventsConfig 描述会话事件的投递方式。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// LoggingConfig 描述进程日志与审计日志输出。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 描述告警渠道。目前支持 Slack Webhook 占位配置，
// 渠道实现由 main 按需装配。
type AlertingConfig struct {
	Enabled        bool     `json:"enabled"`
	SlackChannelID string   `json:"slack_channel_id"`
	EmailTo        []string `json:"email_to"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}

	if c.Chain.DefinitionsPath == "" {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chain.DefinitionsPath) {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, c.Chain.DefinitionsPath)
	}

	if c.Storage.SessionStore.Driver == "" {
		c.Storage.SessionStore.Driver = "memory"
	}
	if c.Storage.SessionStore.MySQL.Table == "" {
		c.Storage.SessionStore.MySQL.Table = "session_store"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}

	if c.Authz.HTTPTimeoutSeconds <= 0 {
		c.Authz.HTTPTimeoutSeconds = 30
	}
}

// Validate 检查配置之间的依赖关系。会话编排相关字段的完整性由
// 编排器自己校验，这里只拦截装配层面的矛盾。
func (c *Config) Validate() error {
	switch c.Storage.SessionStore.Driver {
	case "memory":
	case "redis":
		if c.Storage.SessionStore.Redis.Addr == "" {
			return errors.New("redis 驱动需要配置 addr")
		}
	case "mysql":
		if c.Storage.SessionStore.MySQL.DSN == "" {
			return errors.New("mysql 驱动需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的会话存储驱动: %s", c.Storage.SessionStore.Driver)
	}

	switch c.Events.Driver {
	case "memory":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 驱动需要配置 url")
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}

	return nil
}
