package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"OpenGrant-Chain/internal/auth"
	xerrors "OpenGrant-Chain/internal/errors"
	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/observability/metrics"
	"OpenGrant-Chain/internal/session"
)

// Server 负责暴露 REST 接口，供外部管理钱包与驱动会话生命周期。
type Server struct {
	addr string
	keys *keystore.Store
	orch *session.Orchestrator
	auth *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, keys *keystore.Store, orch *session.Orchestrator, authSvc *auth.Service) *Server {
	return &Server{addr: addr, keys: keys, orch: orch, auth: authSvc}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/wallets", s.protect(s.observe("wallets", s.handleWallets)))
	mux.Handle("/api/v1/wallets/", s.protect(s.observe("wallet_detail", s.handleWalletDetail)))
	mux.Handle("/api/v1/session", s.protect(s.observe("session_state", s.handleSessionState)))
	mux.Handle("/api/v1/session/connect", s.protect(s.observe("session_connect", s.handleConnect)))
	mux.Handle("/api/v1/session/disconnect", s.protect(s.observe("session_disconnect", s.handleDisconnect)))
	mux.Handle("/api/v1/session/sign", s.protect(s.observe("session_sign", s.handleSign)))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// protect 按权限声明包装处理函数。认证被禁用时直接透传。
func (s *Server) protect(handler http.Handler) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return handler
	}
	middleware := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:    {"session:read"},
			http.MethodPost:   {"session:manage"},
			http.MethodDelete: {"wallets:write"},
		},
	})
	return middleware(handler)
}

// observe 记录请求指标。
func (s *Server) observe(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type walletRequest struct {
	Identity string `json:"identity"`
}

type walletResponse struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

type signRequest struct {
	Payload string `json:"payload"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Granter   string `json:"granter"`
	Grantee   string `json:"grantee"`
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateWallet(w, r)
	case http.MethodGet:
		s.handleListWallets(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateWallet 创建（或返回已存在的）grantee 会话钱包。
func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	address, err := s.keys.CreateWallet(req.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Identity: req.Identity, Address: address})
}

func (s *Server) handleListWallets(w http.ResponseWriter, _ *http.Request) {
	identities := s.keys.ListIdentities()
	wallets := make([]walletResponse, 0, len(identities))
	for _, identity := range identities {
		address, err := s.keys.GetWallet(identity)
		if err != nil {
			continue
		}
		wallets = append(wallets, walletResponse{Identity: identity, Address: address})
	}
	writeJSON(w, http.StatusOK, wallets)
}

// handleWalletDetail 处理 /api/v1/wallets/{identity}。
func (s *Server) handleWalletDetail(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimPrefix(r.URL.Path, "/api/v1/wallets/")
	if identity == "" {
		http.Error(w, "缺少 identity", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		address, err := s.keys.GetWallet(identity)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, walletResponse{Identity: identity, Address: address})
	case http.MethodDelete:
		s.keys.DeleteWallet(identity)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "仅支持 GET/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.GetState())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.GetState())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.GetState())
}

// handleSign 用已建立的会话签名十六进制载荷。
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	signer, err := s.orch.GetSigningClient()
	if err != nil {
		writeError(w, err)
		return
	}
	signature, err := signer.SignPayload(req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		Signature: signature,
		Granter:   signer.GranterAddress(),
		Grantee:   signer.GranteeAddress(),
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 将统一错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidFormat:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeWalletNotFound:
		status = http.StatusNotFound
	case xerrors.CodeNotConnected, xerrors.CodeInitializationFailure:
		status = http.StatusConflict
	case xerrors.CodeAuthorizationFailure:
		status = http.StatusBadGateway
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
