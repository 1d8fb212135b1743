package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials не уточняем, что именно неверно (логин или пароль)
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthProvider источник операторов: конфиг (StaticUserStore) или Postgres (postgres.UserRepo).
// Отсутствующий пользователь -> (nil, nil).
type AuthProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// StaticUserStore операторы из секции console.users конфига
type StaticUserStore struct {
	users map[string]domain.User
}

func NewStaticUserStore(users []domain.User) *StaticUserStore {
	m := make(map[string]domain.User, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &StaticUserStore{users: m}
}

func (s *StaticUserStore) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

type AuthService struct {
	repo   AuthProvider
	signer *auth.Signer
}

func NewAuthService(repo AuthProvider, signer *auth.Signer) *AuthService {
	return &AuthService{
		repo:   repo,
		signer: signer,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256), scopes из прав пользователя
	return s.signer.Issue(*user)
}
