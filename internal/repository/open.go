package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"github.com/xela07ax/spaceai-control-plane/internal/repository/postgres"
	"github.com/xela07ax/spaceai-control-plane/internal/repository/sqlite"
	"go.uber.org/zap"
)

// Storage открытый бэкенд ledger. Pool заполнен только для postgres.
type Storage struct {
	Ledger audit.Ledger
	Pool   *pgxpool.Pool
	close  func()
}

func (s *Storage) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open выбирает бэкенд по audit.backend. Для postgres прогоняются миграции.
func Open(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*Storage, error) {
	logger = logger.With(zap.String("mod", "storage"), zap.String("backend", cfg.Audit.Backend))

	switch cfg.Audit.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("audit ledger ready")
		return &Storage{Ledger: postgres.NewAuditRepo(pool), Pool: pool, close: pool.Close}, nil

	case "sqlite":
		l, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("audit ledger ready", zap.String("path", cfg.SQLite.Path))
		return &Storage{Ledger: l, close: func() {
			if err := l.Close(); err != nil {
				logger.Warn("sqlite close failed", zap.Error(err))
			}
		}}, nil

	case "memory":
		logger.Warn("in-memory audit ledger: events are lost on restart")
		return &Storage{Ledger: audit.NewMemoryLedger()}, nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q: %w", cfg.Audit.Backend, domain.ErrConfig)
}
