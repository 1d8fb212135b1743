package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims claims токена, которым подписываются запросы к шлюзу и консоли.
// Subject совпадает с caller_id агента или id оператора.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Role   string          `json:"role"`
	Scopes map[string]bool `json:"scopes"` // "audit.read": true
	jwt.RegisteredClaims
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// User оператор консоли. Хранится в конфиге, пароль только в виде bcrypt-хэша.
type User struct {
	ID           string   `json:"id" mapstructure:"id"`
	Username     string   `json:"username" mapstructure:"username"`
	PasswordHash string   `json:"-" mapstructure:"password_hash"` // Никогда не отправляем на фронт
	Role         string   `json:"role" mapstructure:"role"`
	Scopes       []string `json:"scopes" mapstructure:"scopes"`
}

// ScopeSet разворачивает список скоупов в set для claims
func (u User) ScopeSet() map[string]bool {
	set := make(map[string]bool, len(u.Scopes))
	for _, s := range u.Scopes {
		set[s] = true
	}
	return set
}
