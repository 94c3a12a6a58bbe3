package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"referral-dapp/internal/config"
	"referral-dapp/pkg/logger"
)

// claims 是访问令牌的载荷。
type claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Service 签发并校验 HS256 访问令牌。关闭时所有请求直接放行。
type Service struct {
	enabled bool
	secret  []byte
	issuer  string
	ttl     time.Duration
	now     func() time.Time
	audit   *slog.Logger
}

// NewService 根据配置构造认证服务。
func NewService(cfg config.AuthConfig) (*Service, error) {
	svc := &Service{
		enabled: cfg.Enabled,
		issuer:  strings.TrimSpace(cfg.Issuer),
		ttl:     cfg.TokenTTL(),
		now:     time.Now,
		audit:   logger.Audit(),
	}
	if !cfg.Enabled {
		return svc, nil
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth secret must be configured")
	}
	if len(cfg.Secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 bytes")
	}
	svc.secret = []byte(cfg.Secret)
	if svc.ttl <= 0 {
		svc.ttl = time.Hour
	}
	return svc, nil
}

// Enabled reports whether requests are checked.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Issue 为 subject 签发令牌。
func (s *Service) Issue(subject string, scopes ...string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, errors.New("authentication disabled")
	}
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, errors.New("subject must not be empty")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签发令牌失败: %w", err)
	}
	return signed, expires, nil
}

// Verify 解析令牌并返回其中的主体。
func (s *Service) Verify(raw string) (*Subject, error) {
	if !s.Enabled() {
		return &Subject{Name: "anonymous"}, nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var c claims
	if _, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := &Subject{Name: c.Subject, Scopes: c.Scopes}
	subject.normalise()
	return subject, nil
}

// AuthenticateRequest 从 Authorization 头中提取 Bearer 令牌并校验。
func (s *Service) AuthenticateRequest(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(strings.TrimSpace(token))
}
