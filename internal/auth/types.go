package auth

import (
	"strings"
	"time"

	xerrors "AgentNexus-Chain/internal/errors"
)

// 权限名称。
const (
	PermDeploymentsWrite = "deployments:write"
	PermExecutionsWrite  = "executions:write"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = xerrors.New(xerrors.CodeInvalidArgument, "authentication disabled")
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
)

// Subject captures the information embedded in access tokens and passed to
// request handlers via context.
type Subject struct {
	// Wallet 为调用方钱包地址（十六进制）。
	Wallet      string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Newf(xerrors.CodePermissionDenied, "permission denied: missing %s", perm)
		}
	}
	return nil
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode Mode
	JWT  JWTOptions
}

// JWTOptions contains parameters for HS256 tokens.
type JWTOptions struct {
	Secret    string
	Issuer    string
	Audience  []string
	AccessTTL time.Duration
}
