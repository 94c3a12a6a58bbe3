package auth

import (
	"errors"
	"strings"
)

// ScopeWrite 允许提交合约写交易。
const ScopeWrite = "tx:write"

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Subject captures the identity carried by a verified token.
type Subject struct {
	Name   string
	Scopes []string

	scopeSet map[string]struct{}
}

// normalise prepares the lookup set for scope checks.
func (s *Subject) normalise() {
	if s == nil || s.scopeSet != nil {
		return
	}
	s.scopeSet = make(map[string]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			s.scopeSet[scope] = struct{}{}
		}
	}
}

// Authorize reports ErrPermissionDenied unless the subject holds every scope.
func (s *Subject) Authorize(scopes ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	s.normalise()
	for _, scope := range scopes {
		if _, ok := s.scopeSet[scope]; !ok {
			return ErrPermissionDenied
		}
	}
	return nil
}
