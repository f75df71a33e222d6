package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"OpenGrant-Chain/internal/authz"
	xerrors "OpenGrant-Chain/internal/errors"
	"OpenGrant-Chain/internal/events"
	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/observability/alerting"
	"OpenGrant-Chain/internal/observability/metrics"
	"OpenGrant-Chain/internal/redirect"
	"OpenGrant-Chain/internal/storage"
	"OpenGrant-Chain/pkg/logger"
)

// Orchestrator 驱动一条链上的会话生命周期：Idle -> Connecting ->
// Connected / Error。生命周期操作串行执行，状态快照随时可读。
type Orchestrator struct {
	cfg       Config
	store     storage.Store
	redirect  redirect.Dispatcher
	factory   authz.Factory
	publisher events.Publisher
	alerts    alerting.Dispatcher
	log       *slog.Logger

	// opMu 串行化生命周期操作。并发的 Connect 只会有一个真正执行，
	// 后到者拿锁时看到已连接直接返回。
	opMu        sync.Mutex
	controller  authz.Controller
	initialized bool

	stateMu sync.RWMutex
	phase   Phase
	granter string
	grantee string
	lastErr string
	signer  authz.SigningClient
}

// Option 配置编排器的可选依赖。
type Option func(*Orchestrator)

// WithFactory 替换授权控制器工厂，测试用脚本化实现注入。
func WithFactory(factory authz.Factory) Option {
	return func(o *Orchestrator) {
		if factory != nil {
			o.factory = factory
		}
	}
}

// WithPublisher 注入会话事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithAlertDispatcher 注入告警分发器，连接失败时触发。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithRedirect 注入重定向端口。无界面部署缺省为空实现。
func WithRedirect(dispatcher redirect.Dispatcher) Option {
	return func(o *Orchestrator) {
		if dispatcher != nil {
			o.redirect = dispatcher
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// NewOrchestrator 校验配置并构造编排器。配置残缺立即返回
// CONFIG_VALIDATION 错误，不会发起任何网络请求。
func NewOrchestrator(cfg Config, store storage.Store, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeConfigValidation, "未提供持久化端口",
			xerrors.WithMetadata("chain_id", cfg.ChainID))
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		redirect: redirect.NewNoopDispatcher(),
		factory:  authz.NewController,
		log:      logger.Named("session"),
		phase:    PhaseIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	metrics.SetSessionPhase(cfg.ChainID, string(PhaseIdle))
	return o, nil
}

// Initialize 构造授权协作方并尝试恢复先前持久化的会话。重复调用是
// 幂等的。失败时不缓存半成品，下一次调用从头重建。
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.initializeLocked(ctx)
}

// initializeLocked 执行实际的初始化流程，调用方必须持有 opMu。
// 失败时不缓存半成品控制器，但把原因记入 Error 阶段供 GetError 观察；
// 下一次调用从头重建。
func (o *Orchestrator) initializeLocked(ctx context.Context) error {
	if o.initialized {
		return nil
	}

	controller, err := o.factory(o.cfg.controllerConfig(o.store, o.redirect))
	if err != nil {
		o.setError(err)
		o.publish(ctx, events.KindError, "", "", err.Error())
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构造授权控制器失败",
			xerrors.WithMetadata("chain_id", o.cfg.ChainID))
	}
	if err := controller.Initialize(ctx); err != nil {
		o.setError(err)
		o.publish(ctx, events.KindError, "", "", err.Error())
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "恢复持久化会话失败",
			xerrors.WithMetadata("chain_id", o.cfg.ChainID))
	}

	o.controller = controller
	o.initialized = true

	if state := controller.GetState(); state.Connected {
		o.setConnected(state)
		o.publish(ctx, events.KindConnected, state.Granter, state.Grantee, "restored from persisted session")
		logger.Audit().Info("会话已从持久化快照恢复",
			slog.String("chain_id", o.cfg.ChainID),
			slog.String("granter", state.Granter),
			slog.String("grantee", state.Grantee),
		)
	} else {
		// 重试成功后清掉上一次初始化失败留下的 Error 阶段。
		o.setPhase(PhaseIdle)
	}
	return nil
}

// Connect 建立授权会话。尚未初始化时先走一遍 Initialize；已连接时
// 直接返回；失败时进入 Error 阶段并原样保留底层错误信息，随后可直接
// 重试，无需先 Disconnect。
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if err := o.initializeLocked(ctx); err != nil {
		return err
	}
	if o.snapshot().Connected() {
		return nil
	}

	o.setPhase(PhaseConnecting)
	o.publish(ctx, events.KindConnecting, "", "", "")
	o.log.Info("开始建立授权会话", slog.String("chain_id", o.cfg.ChainID))

	if err := o.controller.Connect(ctx); err != nil {
		o.setError(err)
		o.publish(ctx, events.KindError, "", "", err.Error())
		o.alert(ctx, err)
		o.log.Error("建立授权会话失败",
			slog.String("chain_id", o.cfg.ChainID),
			slog.String("error", err.Error()),
		)
		return xerrors.Wrap(xerrors.CodeAuthorizationFailure, err, "建立授权会话失败",
			xerrors.WithMetadata("chain_id", o.cfg.ChainID))
	}

	state := o.controller.GetState()
	o.setConnected(state)
	o.publish(ctx, events.KindConnected, state.Granter, state.Grantee, "")
	logger.Audit().Info("授权会话已建立",
		slog.String("chain_id", o.cfg.ChainID),
		slog.String("granter", state.Granter),
		slog.String("grantee", state.Grantee),
	)
	return nil
}

// Disconnect 断开运行态连接并回到 Idle，保留持久化会话，之后
// Initialize 仍可恢复。任意阶段调用都合法；即使控制器报错，状态机
// 也会回到 Idle，错误只向调用方透传。
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	granter, grantee := o.parties()
	var cause error
	if o.controller != nil {
		cause = o.controller.Disconnect(ctx)
	}
	o.setPhase(PhaseIdle)
	o.publish(ctx, events.KindDisconnected, granter, grantee, "")
	logger.Audit().Info("授权会话已断开",
		slog.String("chain_id", o.cfg.ChainID),
		slog.String("grantee", grantee),
	)
	if cause != nil {
		o.log.Warn("断开授权会话时控制器报错",
			slog.String("chain_id", o.cfg.ChainID),
			slog.String("error", cause.Error()),
		)
	}
	return cause
}

// Destroy 断开连接并删除持久化会话，之后重启不会恢复任何状态。
// 与 Disconnect 一样，控制器报错不会阻止状态机回到 Idle。
func (o *Orchestrator) Destroy(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	granter, grantee := o.parties()
	var cause error
	if o.controller != nil {
		cause = o.controller.Destroy(ctx)
	}
	o.setPhase(PhaseIdle)
	o.publish(ctx, events.KindDisconnected, granter, grantee, "session destroyed")
	logger.Audit().Info("授权会话已销毁",
		slog.String("chain_id", o.cfg.ChainID),
		slog.String("grantee", grantee),
	)
	if cause != nil {
		o.log.Warn("销毁授权会话时控制器报错",
			slog.String("chain_id", o.cfg.ChainID),
			slog.String("error", cause.Error()),
		)
	}
	return cause
}

// UpdateGetSignerConfig 替换签名配置提供者，支持外部密钥轮换。
// 已建立的连接保持不变，后续签名走新的提供者。
func (o *Orchestrator) UpdateGetSignerConfig(provider keystore.Provider) {
	if provider == nil {
		return
	}
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.cfg.GetSignerConfig = provider
	if o.controller != nil {
		o.controller.UpdateGetSignerConfig(provider)
	}
}

// GetState 返回当前状态快照。任何阶段都可调用。
func (o *Orchestrator) GetState() State {
	return o.snapshot()
}

// IsConnected 判断当前是否处于已连接阶段。
func (o *Orchestrator) IsConnected() bool {
	return o.snapshot().Connected()
}

// GetError 返回最近一次连接失败的原因。非失败阶段返回空串和 false。
func (o *Orchestrator) GetError() (string, bool) {
	s := o.snapshot()
	if s.Phase != PhaseError {
		return "", false
	}
	return s.Error, true
}

// GetGranterAddress 返回 granter 账户地址。未连接时返回 NOT_CONNECTED。
func (o *Orchestrator) GetGranterAddress() (string, error) {
	s := o.snapshot()
	if !s.Connected() {
		return "", o.notConnected()
	}
	return s.Granter, nil
}

// GetGranteeAddress 返回 grantee 会话密钥地址。未连接时返回 NOT_CONNECTED。
func (o *Orchestrator) GetGranteeAddress() (string, error) {
	s := o.snapshot()
	if !s.Connected() {
		return "", o.notConnected()
	}
	return s.Grantee, nil
}

// GetSigningClient 返回签名句柄。未连接时返回 NOT_CONNECTED。
func (o *Orchestrator) GetSigningClient() (authz.SigningClient, error) {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	if o.phase != PhaseConnected || o.signer == nil {
		return nil, o.notConnected()
	}
	return o.signer, nil
}

func (o *Orchestrator) notConnected() error {
	return xerrors.New(xerrors.CodeNotConnected, "",
		xerrors.WithMetadata("chain_id", o.cfg.ChainID))
}

func (o *Orchestrator) snapshot() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return State{
		Phase:   o.phase,
		Granter: o.granter,
		Grantee: o.grantee,
		Error:   o.lastErr,
	}
}

func (o *Orchestrator) parties() (granter, grantee string) {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.granter, o.grantee
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.stateMu.Lock()
	o.phase = phase
	if phase != PhaseConnected {
		o.granter = ""
		o.grantee = ""
		o.signer = nil
	}
	if phase != PhaseError {
		o.lastErr = ""
	}
	o.stateMu.Unlock()
	metrics.SetSessionPhase(o.cfg.ChainID, string(phase))
}

func (o *Orchestrator) setConnected(state authz.State) {
	o.stateMu.Lock()
	o.phase = PhaseConnected
	o.granter = state.Granter
	o.grantee = state.Grantee
	o.signer = state.Signer
	o.lastErr = ""
	o.stateMu.Unlock()
	metrics.SetSessionPhase(o.cfg.ChainID, string(PhaseConnected))
}

func (o *Orchestrator) setError(err error) {
	o.stateMu.Lock()
	o.phase = PhaseError
	o.granter = ""
	o.grantee = ""
	o.signer = nil
	o.lastErr = err.Error()
	o.stateMu.Unlock()
	metrics.SetSessionPhase(o.cfg.ChainID, string(PhaseError))
}

// publish 尽力投递会话事件。投递失败只记日志，不影响生命周期操作。
func (o *Orchestrator) publish(ctx context.Context, kind events.Kind, granter, grantee, message string) {
	if o.publisher == nil {
		return
	}
	event := events.Event{
		Kind:       kind,
		ChainID:    o.cfg.ChainID,
		Granter:    granter,
		Grantee:    grantee,
		Message:    message,
		OccurredAt: time.Now(),
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.log.Warn("投递会话事件失败",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) alert(ctx context.Context, cause error) {
	if o.alerts == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeAuthorizationFailure
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		ChainID:    o.cfg.ChainID,
		OccurredAt: time.Now(),
	}
	if err := o.alerts.Notify(ctx, event); err != nil {
		o.log.Warn("发送告警失败", slog.String("error", err.Error()))
	}
}
