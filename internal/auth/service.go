package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/pkg/logger"
)

type claims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	opts   JWTOptions
	parser *jwt.Parser
	now    func() time.Time
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, now: time.Now, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = time.Hour
		}
		svc.opts = cfg.JWT
		parserOpts := []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(func() time.Time { return svc.now() }),
			jwt.WithExpirationRequired(),
		}
		if cfg.JWT.Issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(cfg.JWT.Issuer))
		}
		if len(cfg.JWT.Audience) > 0 {
			parserOpts = append(parserOpts, jwt.WithAudience(cfg.JWT.Audience[0]))
		}
		svc.parser = jwt.NewParser(parserOpts...)
		return svc, nil
	default:
		return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue signs an access token for subject. Operators use it to mint tokens
// for wallets; the daemon has no login endpoint.
func (s *Service) Issue(subject Subject) (string, time.Time, error) {
	if s == nil || s.mode != ModeJWT {
		return "", time.Time{}, ErrDisabled
	}
	now := s.now()
	expires := now.Add(s.opts.AccessTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Permissions: subject.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(subject.Wallet),
			Issuer:    s.opts.Issuer,
			Audience:  s.opts.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(s.opts.Secret))
	if err != nil {
		return "", time.Time{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "签发令牌失败")
	}
	return signed, expires, nil
}

// AuthenticateRequest 校验 Authorization 头中的 Bearer 令牌。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	raw := strings.TrimSpace(header)
	if raw == "" {
		return nil, ErrMissingToken
	}
	if len(raw) < 7 || !strings.EqualFold(raw[:7], "bearer ") {
		return nil, ErrInvalidToken
	}
	raw = strings.TrimSpace(raw[7:])

	parsed := &claims{}
	_, err := s.parser.ParseWithClaims(raw, parsed, func(*jwt.Token) (any, error) {
		return []byte(s.opts.Secret), nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "invalid token")
	}
	if parsed.Subject == "" {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Wallet: parsed.Subject, Permissions: parsed.Permissions}
	subject.normalise()
	return subject, nil
}
