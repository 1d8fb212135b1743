package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

// UserRepo операторы Console API
type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// GetUserByUsername возвращает nil, nil если пользователя нет
func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, username, password_hash, role, scopes
		FROM console_users WHERE username = $1`

	u := &domain.User{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Scopes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}
	return u, nil
}

// UpsertUser используется при первичной загрузке пользователей из конфига
func (r *UserRepo) UpsertUser(ctx context.Context, u domain.User) error {
	query := `
		INSERT INTO console_users (id, username, password_hash, role, scopes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, password_hash = EXCLUDED.password_hash,
		    role = EXCLUDED.role, scopes = EXCLUDED.scopes`

	scopes := u.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	if _, err := r.pool.Exec(ctx, query, u.ID, u.Username, u.PasswordHash, u.Role, scopes); err != nil {
		return fmt.Errorf("postgres: failed to upsert user %s: %w", u.Username, err)
	}
	return nil
}
