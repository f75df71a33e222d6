package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenGrant-Chain/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。令牌是静态配置的 API token，
// 校验走常数时间比较，令牌明文不落日志。
type Service struct {
	mode   Mode
	tokens map[[sha256.Size]byte]*Subject
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	svc := &Service{
		mode:  mode,
		audit: logger.Audit(),
	}

	switch mode {
	case "", ModeDisabled:
		svc.mode = ModeDisabled
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if len(cfg.Tokens) == 0 {
		return nil, errors.New("token mode requires at least one token")
	}
	svc.tokens = make(map[[sha256.Size]byte]*Subject, len(cfg.Tokens))
	for _, seed := range cfg.Tokens {
		token := strings.TrimSpace(seed.Token)
		if token == "" {
			return nil, fmt.Errorf("token for %q cannot be empty", seed.Name)
		}
		subject := &Subject{
			Name:        strings.TrimSpace(seed.Name),
			Permissions: dedupeStrings(seed.Permissions),
			Disabled:    seed.Disabled,
		}
		subject.normalise()
		svc.tokens[sha256.Sum256([]byte(token))] = subject
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(token))
	// 遍历全部令牌而不是直接查表，保持校验耗时与命中与否无关。
	var matched *Subject
	for stored, subject := range s.tokens {
		if subtle.ConstantTimeCompare(stored[:], digest[:]) == 1 {
			matched = subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched.Clone(), nil
}
