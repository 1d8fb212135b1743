package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"go.uber.org/zap"
)

// SandboxManager агенты в режиме песочницы: политика и аудит те же,
// но Executor не вызывается, ответ симулируется.
type SandboxManager struct {
	*AgentFlagSet
	seed []string
}

// NewSandboxManager seed список агентов из конфига, которые в песочнице с первого старта
func NewSandboxManager(rdb *redis.Client, seed []string, logger *zap.Logger) *SandboxManager {
	return &SandboxManager{
		AgentFlagSet: newAgentFlagSet(rdb, infra.RedisKeySandboxAgents, infra.RedisChanSandbox,
			logger.With(zap.String("mod", "sandbox"))),
		seed: seed,
	}
}

// Init прогревает L1 и, если Redis пуст, заливает в него seed
func (sm *SandboxManager) Init(ctx context.Context) error {
	if err := sm.AgentFlagSet.Init(ctx); err != nil {
		return err
	}
	if sm.rdb == nil {
		sm.merge(sm.seed)
		return nil
	}
	return WarmupState(ctx, sm.rdb, sm.logger, sm.seed, sm.setKey, infra.GetWarmupLockKey("sandbox"), sm.merge)
}

func (sm *SandboxManager) IsSandbox(agentID string) bool {
	return sm.Has(agentID)
}
