package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"github.com/xela07ax/spaceai-control-plane/internal/policy"
)

// PolicyService правила живут в YAML-файле; консоль только показывает их
// и просит шлюзы перечитать файл.
type PolicyService struct {
	rulesPath string
	rdb       *redis.Client
}

func NewPolicyService(rulesPath string, rdb *redis.Client) *PolicyService {
	return &PolicyService{
		rulesPath: rulesPath,
		rdb:       rdb,
	}
}

// GetAll правила в порядке вычисления. Битый файл -> domain.ErrConfig.
func (s *PolicyService) GetAll(_ context.Context) ([]domain.PolicyRule, error) {
	return policy.LoadFile(s.rulesPath)
}

// Reload проверяет файл и отправляет широковещательный сигнал в Redis.
// Битый файл не рассылаем: шлюзы все равно оставили бы старый снимок.
func (s *PolicyService) Reload(ctx context.Context) (int, error) {
	rules, err := policy.LoadFile(s.rulesPath)
	if err != nil {
		return 0, err
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, "refresh").Err(); err != nil {
		return 0, fmt.Errorf("policy reload signal: %w", err)
	}
	return len(rules), nil
}
