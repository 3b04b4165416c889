package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingToken = errors.New("authorization required")
	ErrInvalidToken = errors.New("invalid token")
)

// Service guards the ops API with a single operator bearer token.
type Service struct {
	tokenHash  [32]byte
	enabled    bool
	headerName string
}

// NewService builds the guard. An empty token disables authentication.
func NewService(adminToken string) *Service {
	adminToken = strings.TrimSpace(adminToken)
	return &Service{
		tokenHash:  sha256.Sum256([]byte(adminToken)),
		enabled:    adminToken != "",
		headerName: "Authorization",
	}
}

// Enabled reports whether requests must carry the token.
func (s *Service) Enabled() bool { return s.enabled }

// ValidateToken compares token with the configured one in constant time.
func (s *Service) ValidateToken(token string) error {
	if !s.enabled {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(sum[:], s.tokenHash[:]) != 1 {
		return ErrInvalidToken
	}
	return nil
}
