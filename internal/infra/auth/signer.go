package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

const issuer = "spaceai-control-plane"

// Signer выпускает RS256 токены. Приватный ключ есть только у консоли.
type Signer struct {
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	now        func() time.Time
}

func NewSigner(key *rsa.PrivateKey, ttl time.Duration) *Signer {
	return &Signer{privateKey: key, ttl: ttl, now: time.Now}
}

// Issue токен для оператора или агента; sub = id
func (s *Signer) Issue(u domain.User) (*domain.TokenResponse, error) {
	now := s.now()
	claims := domain.CustomClaims{
		UserID: u.ID,
		Role:   u.Role,
		Scopes: u.ScopeSet(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
