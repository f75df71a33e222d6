package session

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenGrant-Chain/internal/authz"
	xerrors "OpenGrant-Chain/internal/errors"
	"OpenGrant-Chain/internal/events"
	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/storage"
)

// fakeController 是脚本化的授权控制器，按预设顺序返回 Connect 结果。
type fakeController struct {
	mu            sync.Mutex
	connectErrs   []error
	restored      *authz.State
	connectWait   time.Duration
	disconnectErr error
	destroyErr    error

	initCalls     atomic.Int32
	connectCalls  atomic.Int32
	destroyCalls  atomic.Int32
	disconnected  atomic.Int32
	connected     bool
	granter       string
	grantee       string
	signerUpdated atomic.Int32
}

func (f *fakeController) Initialize(ctx context.Context) error {
	f.initCalls.Add(1)
	if f.restored != nil {
		f.mu.Lock()
		f.connected = true
		f.granter = f.restored.Granter
		f.grantee = f.restored.Grantee
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeController) Connect(ctx context.Context) error {
	f.connectCalls.Add(1)
	if f.connectWait > 0 {
		time.Sleep(f.connectWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	f.granter = "grant1granter"
	f.grantee = "0xgrantee"
	return nil
}

func (f *fakeController) Disconnect(ctx context.Context) error {
	f.disconnected.Add(1)
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return f.disconnectErr
}

func (f *fakeController) Destroy(ctx context.Context) error {
	f.destroyCalls.Add(1)
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return f.destroyErr
}

func (f *fakeController) GetState() authz.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return authz.State{}
	}
	return authz.State{
		Connected: true,
		Granter:   f.granter,
		Grantee:   f.grantee,
		Signer:    &fakeSigner{granter: f.granter, grantee: f.grantee},
	}
}

func (f *fakeController) UpdateGetSignerConfig(provider keystore.Provider) {
	f.signerUpdated.Add(1)
}

type fakeSigner struct {
	granter string
	grantee string
}

func (s *fakeSigner) GranterAddress() string { return s.granter }
func (s *fakeSigner) GranteeAddress() string { return s.grantee }
func (s *fakeSigner) SignPayload(hexPayload string) (string, error) {
	return "0xsigned", nil
}

func validConfig() Config {
	return Config{
		ChainID:          "grantnet-1",
		AuthzAPIURL:      "http://127.0.0.1:1",
		FeeGranter:       "grant1feegranter",
		ContractCodeID:   7,
		ContractChecksum: "ab12cd34",
		GetSignerConfig: func() (keystore.SignerConfig, error) {
			return keystore.SignerConfig{Address: "0xgrantee"}, nil
		},
	}
}

func newTestOrchestrator(t *testing.T, fake *fakeController, opts ...Option) *Orchestrator {
	t.Helper()
	factoryCalls := 0
	opts = append(opts, WithFactory(func(cfg authz.ControllerConfig) (authz.Controller, error) {
		factoryCalls++
		if factoryCalls > 1 {
			t.Fatalf("controller must be constructed once, got %d", factoryCalls)
		}
		if cfg.ChainID != "grantnet-1" || cfg.Store == nil {
			t.Fatalf("controller config not normalised: %+v", cfg)
		}
		return fake, nil
	}))
	o, err := NewOrchestrator(validConfig(), storage.NewMemoryStore(), opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestNewOrchestratorRejectsIncompleteConfig(t *testing.T) {
	cfg := validConfig()
	cfg.FeeGranter = ""
	cfg.ContractChecksum = ""

	_, err := NewOrchestrator(cfg, storage.NewMemoryStore())
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConfigValidation {
		t.Fatalf("expected CONFIG_VALIDATION, got %v", xerrors.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "fee_granter") || !strings.Contains(err.Error(), "contract_checksum") {
		t.Fatalf("all problems must be reported at once, got %v", err)
	}
}

func TestNewOrchestratorRejectsMalformedChecksum(t *testing.T) {
	cfg := validConfig()
	cfg.ContractChecksum = "not-hex"

	_, err := NewOrchestrator(cfg, storage.NewMemoryStore())
	if xerrors.CodeOf(err) != xerrors.CodeConfigValidation {
		t.Fatalf("expected CONFIG_VALIDATION, got %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	fake := &fakeController{}
	o := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if got := fake.initCalls.Load(); got != 1 {
		t.Fatalf("controller.Initialize must run once, got %d", got)
	}
	if o.GetState().Phase != PhaseIdle {
		t.Fatalf("fresh session must stay idle, got %+v", o.GetState())
	}
}

func TestInitializeRestoresPersistedSession(t *testing.T) {
	fake := &fakeController{restored: &authz.State{Connected: true, Granter: "grant1granter", Grantee: "0xgrantee"}}
	bus := events.NewMemoryPublisher(8)
	o := newTestOrchestrator(t, fake, WithPublisher(bus))

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	state := o.GetState()
	if !state.Connected() || state.Granter != "grant1granter" {
		t.Fatalf("restored state mismatch: %+v", state)
	}
	select {
	case event := <-bus.Events():
		if event.Kind != events.KindConnected {
			t.Fatalf("expected connected event, got %s", event.Kind)
		}
	default:
		t.Fatalf("restore must publish a connected event")
	}
}

func TestConnectSelfInitializes(t *testing.T) {
	fake := &fakeController{}
	o := newTestOrchestrator(t, fake)

	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("connect without prior initialize: %v", err)
	}
	if got := fake.initCalls.Load(); got != 1 {
		t.Fatalf("connect must initialize first, got %d init calls", got)
	}
	if !o.IsConnected() {
		t.Fatalf("session must be connected")
	}
}

func TestConnectFailureKeepsVerbatimMessageAndAllowsRetry(t *testing.T) {
	cause := stdErrors.New("授权服务返回错误状态 422: fee granter exhausted")
	fake := &fakeController{connectErrs: []error{cause}}
	bus := events.NewMemoryPublisher(8)
	o := newTestOrchestrator(t, fake, WithPublisher(bus))
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := o.Connect(ctx)
	if err == nil {
		t.Fatalf("expected connect failure")
	}
	if xerrors.CodeOf(err) != xerrors.CodeAuthorizationFailure {
		t.Fatalf("expected AUTHORIZATION_FAILURE, got %v", err)
	}
	if !stdErrors.Is(err, cause) && !strings.Contains(err.Error(), cause.Error()) {
		t.Fatalf("underlying cause must be preserved, got %v", err)
	}

	message, failed := o.GetError()
	if !failed || message != cause.Error() {
		t.Fatalf("error phase must keep the verbatim message, got %q", message)
	}
	if _, err := o.GetGranterAddress(); xerrors.CodeOf(err) != xerrors.CodeNotConnected {
		t.Fatalf("accessor in error phase must report NOT_CONNECTED, got %v", err)
	}

	// 失败后直接重试，无需先 Disconnect。
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !o.IsConnected() {
		t.Fatalf("retry must reach connected phase")
	}
	if _, failed := o.GetError(); failed {
		t.Fatalf("error must be cleared after a successful retry")
	}

	kinds := drainKinds(bus)
	want := []events.Kind{events.KindConnecting, events.KindError, events.KindConnecting, events.KindConnected}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected event sequence %v", kinds)
	}
	for i, kind := range want {
		if kinds[i] != kind {
			t.Fatalf("event %d: want %s, got %s", i, kind, kinds[i])
		}
	}
}

func drainKinds(bus *events.MemoryPublisher) []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case event := <-bus.Events():
			kinds = append(kinds, event.Kind)
		default:
			return kinds
		}
	}
}

func TestConnectWhenConnectedIsNoop(t *testing.T) {
	fake := &fakeController{}
	o := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := fake.connectCalls.Load(); got != 1 {
		t.Fatalf("connected session must not reconnect, got %d calls", got)
	}
}

func TestConcurrentConnectRunsOnce(t *testing.T) {
	fake := &fakeController{connectWait: 20 * time.Millisecond}
	o := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.Connect(ctx); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fake.connectCalls.Load(); got != 1 {
		t.Fatalf("concurrent connects must collapse to one flow, got %d", got)
	}
	if !o.IsConnected() {
		t.Fatalf("session must be connected")
	}
}

func TestDisconnectKeepsSessionRecoverable(t *testing.T) {
	fake := &fakeController{}
	bus := events.NewMemoryPublisher(8)
	o := newTestOrchestrator(t, fake, WithPublisher(bus))
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := o.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if o.GetState().Phase != PhaseIdle {
		t.Fatalf("disconnect must return to idle, got %+v", o.GetState())
	}
	if got := fake.disconnected.Load(); got != 1 {
		t.Fatalf("controller disconnect calls: %d", got)
	}
	if got := fake.destroyCalls.Load(); got != 0 {
		t.Fatalf("disconnect must not destroy the persisted session")
	}

	// 断开后可以再次连接。
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !o.IsConnected() {
		t.Fatalf("reconnect must succeed")
	}
}

func TestDestroyDelegatesToController(t *testing.T) {
	fake := &fakeController{}
	o := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := o.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if got := fake.destroyCalls.Load(); got != 1 {
		t.Fatalf("controller destroy calls: %d", got)
	}
	if o.GetState().Phase != PhaseIdle {
		t.Fatalf("destroy must return to idle")
	}
}

func TestTeardownForcesIdleOnControllerError(t *testing.T) {
	cause := stdErrors.New("删除持久化会话失败: store unavailable")
	fake := &fakeController{destroyErr: cause, disconnectErr: cause}
	o := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := o.Destroy(ctx); !stdErrors.Is(err, cause) {
		t.Fatalf("destroy must surface the controller error, got %v", err)
	}
	// 控制器已经清掉自身状态，编排器不能继续报告已连接。
	if o.GetState().Phase != PhaseIdle {
		t.Fatalf("destroy must force idle even on controller error, got %s", o.GetState().Phase)
	}
	if _, err := o.GetSigningClient(); xerrors.CodeOf(err) != xerrors.CodeNotConnected {
		t.Fatalf("signing handle must be revoked after destroy, got %v", err)
	}

	if err := o.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := o.Disconnect(ctx); !stdErrors.Is(err, cause) {
		t.Fatalf("disconnect must surface the controller error, got %v", err)
	}
	if o.GetState().Phase != PhaseIdle {
		t.Fatalf("disconnect must force idle even on controller error, got %s", o.GetState().Phase)
	}
}

func TestInitializeFailureLandsInErrorPhase(t *testing.T) {
	cause := stdErrors.New("持久化会话损坏: unexpected end of JSON input")
	fake := &fakeController{}
	attempts := 0
	o, err := NewOrchestrator(validConfig(), storage.NewMemoryStore(),
		WithFactory(func(cfg authz.ControllerConfig) (authz.Controller, error) {
			attempts++
			if attempts == 1 {
				return nil, cause
			}
			return fake, nil
		}))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	ctx := context.Background()

	initErr := o.Initialize(ctx)
	if xerrors.CodeOf(initErr) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected INITIALIZATION_FAILURE, got %v", initErr)
	}
	if o.GetState().Phase != PhaseError {
		t.Fatalf("failed initialize must land in error phase, got %s", o.GetState().Phase)
	}
	if message, failed := o.GetError(); !failed || message != cause.Error() {
		t.Fatalf("error phase must keep the verbatim message, got %q", message)
	}

	// 下一次调用从头重建，成功后清掉 Error 阶段。
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("retry initialize: %v", err)
	}
	if o.GetState().Phase != PhaseIdle {
		t.Fatalf("successful retry must settle idle, got %s", o.GetState().Phase)
	}
	if _, failed := o.GetError(); failed {
		t.Fatalf("error must be cleared after a successful retry")
	}
}

func TestAccessorsRequireConnection(t *testing.T) {
	fake := &fakeController{}
	o := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if _, err := o.GetGranterAddress(); xerrors.CodeOf(err) != xerrors.CodeNotConnected {
		t.Fatalf("granter accessor: %v", err)
	}
	if _, err := o.GetGranteeAddress(); xerrors.CodeOf(err) != xerrors.CodeNotConnected {
		t.Fatalf("grantee accessor: %v", err)
	}
	if _, err := o.GetSigningClient(); xerrors.CodeOf(err) != xerrors.CodeNotConnected {
		t.Fatalf("signer accessor: %v", err)
	}

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	granter, err := o.GetGranterAddress()
	if err != nil || granter != "grant1granter" {
		t.Fatalf("granter accessor after connect: %q %v", granter, err)
	}
	grantee, err := o.GetGranteeAddress()
	if err != nil || grantee != "0xgrantee" {
		t.Fatalf("grantee accessor after connect: %q %v", grantee, err)
	}
	signer, err := o.GetSigningClient()
	if err != nil {
		t.Fatalf("signer accessor after connect: %v", err)
	}
	if signature, err := signer.SignPayload("0xdeadbeef"); err != nil || signature == "" {
		t.Fatalf("signing handle failed: %v", err)
	}
}

func TestUpdateGetSignerConfigForwardsToController(t *testing.T) {
	fake := &fakeController{}
	o := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	o.UpdateGetSignerConfig(func() (keystore.SignerConfig, error) {
		return keystore.SignerConfig{Address: "0xrotated"}, nil
	})
	if got := fake.signerUpdated.Load(); got != 1 {
		t.Fatalf("provider must be forwarded to the controller, got %d", got)
	}
}
