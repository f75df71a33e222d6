package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenGrant-Chain/internal/api"
	"OpenGrant-Chain/internal/auth"
	"OpenGrant-Chain/internal/chain"
	"OpenGrant-Chain/internal/config"
	"OpenGrant-Chain/internal/events"
	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/observability/alerting"
	"OpenGrant-Chain/internal/observability/metrics"
	"OpenGrant-Chain/internal/session"
	"OpenGrant-Chain/internal/storage"
	"OpenGrant-Chain/pkg/logger"
)

// defaultWalletIdentity 是守护进程自身使用的会话钱包标识。
const defaultWalletIdentity = "grantd"

// main 是 grantd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("grantd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("GRANTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "grantd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Service: "grantd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry, err := chain.NewRegistry(cfg.Chain.DefinitionsPath, cfg.Chain.Default)
	if err != nil {
		return err
	}
	def := registry.Default()

	keys := keystore.NewStore()
	if _, err := keys.CreateWallet(defaultWalletIdentity); err != nil {
		return err
	}

	sessionStore, err := buildSessionStore(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.L().Warn("关闭事件发布器失败", "error", err.Error())
		}
	}()

	authSvc, err := auth.NewService(auth.Config{
		Mode:   auth.Mode(cfg.Auth.Mode),
		Tokens: cfg.Auth.Tokens,
	})
	if err != nil {
		return err
	}

	opts := []session.Option{session.WithPublisher(publisher)}
	if cfg.Alerting.Enabled {
		opts = append(opts, session.WithAlertDispatcher(alerting.NewFanout(
			&alerting.SlackNotifier{ChannelID: cfg.Alerting.SlackChannelID},
			&alerting.EmailNotifier{To: cfg.Alerting.EmailTo},
		)))
	}

	orch, err := session.NewOrchestrator(session.Config{
		ChainID:          def.ChainID,
		RPCURL:           def.RPCURL,
		RESTURL:          def.RESTURL,
		GasPrice:         def.GasPrice,
		AuthzAPIURL:      cfg.Authz.APIURL,
		FeeGranter:       cfg.Authz.FeeGranter,
		Treasury:         cfg.Authz.Treasury,
		AddressPrefix:    def.AddressPrefix,
		ContractCodeID:   cfg.Authz.ContractCodeID,
		ContractChecksum: cfg.Authz.ContractChecksum,
		IndexerURL:       def.IndexerURL,
		Grants:           cfg.Authz.Grants,
		GetSignerConfig:  keys.SignerProvider(defaultWalletIdentity),
		HTTPTimeout:      time.Duration(cfg.Authz.HTTPTimeoutSeconds) * time.Second,
	}, sessionStore, opts...)
	if err != nil {
		return err
	}

	if err := orch.Initialize(ctx); err != nil {
		return err
	}
	// 启动时尝试连接。失败不致命，运维可以通过 API 重试。
	if err := orch.Connect(ctx); err != nil {
		logger.L().Warn("启动时建立会话失败，等待手动重试", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// 断开但保留持久化会话，重启后 Initialize 可以恢复。
		if err := orch.Disconnect(shutdownCtx); err != nil {
			logger.L().Warn("关闭时断开会话失败", "error", err.Error())
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务异常退出", "error", err.Error())
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, keys, orch, authSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildSessionStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.SessionStore.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Address:   cfg.Storage.SessionStore.Redis.Addr,
			Password:  cfg.Storage.SessionStore.Redis.Password,
			DB:        cfg.Storage.SessionStore.Redis.DB,
			Namespace: cfg.Storage.SessionStore.Redis.Namespace,
		})
	case "mysql":
		return storage.NewMySQLStore(ctx, storage.MySQLConfig{
			DSN:   cfg.Storage.SessionStore.MySQL.DSN,
			Table: cfg.Storage.SessionStore.MySQL.Table,
		})
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.SessionStore.Driver)
	}
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryPublisher(256), nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:   cfg.Events.RabbitMQ.URL,
			Queue: cfg.Events.RabbitMQ.Queue,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}
