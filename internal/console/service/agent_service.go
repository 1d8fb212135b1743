package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"go.uber.org/zap"
)

// AgentService kill-switch и песочница. Источник правды Redis Set,
// шлюзы узнают об изменении по сигналу в канале.
type AgentService struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewAgentService(rdb *redis.Client, logger *zap.Logger) *AgentService {
	return &AgentService{
		rdb:    rdb,
		logger: logger.Named("agent-service"),
	}
}

// updateAgentFlag унифицированный механизм переключения состояний.
// Обновляет Set и транслирует сигнал в Redis.
func (s *AgentService) updateAgentFlag(
	ctx context.Context,
	agentID string,
	setKey string,
	redisChan string,
	on bool,
	actionName string,
) error {
	if agentID == "" {
		return fmt.Errorf("%s: empty agent id: %w", actionName, domain.ErrValidation)
	}

	// 1. Persistence Layer
	var err error
	if on {
		err = s.rdb.SAdd(ctx, setKey, agentID).Err()
	} else {
		err = s.rdb.SRem(ctx, setKey, agentID).Err()
	}
	if err != nil {
		s.logger.Error("failed to update agent flag",
			zap.String("agent_id", agentID),
			zap.String("action", actionName),
			zap.Error(err))
		return fmt.Errorf("%s: redis error: %w", actionName, err)
	}

	// 2. Real-time Signaling. Потеря сигнала не критична: шлюз перечитает Set при переподключении
	payload := fmt.Sprintf("%s:%t", agentID, on)
	if err := s.rdb.Publish(ctx, redisChan, payload).Err(); err != nil {
		s.logger.Warn("runtime signal delivery failed",
			zap.String("action", actionName),
			zap.String("channel", redisChan),
			zap.Error(err))
	} else {
		s.logger.Info("agent state updated successfully",
			zap.String("agent_id", agentID),
			zap.String("action", actionName),
			zap.Bool("on", on))
	}

	return nil
}

func (s *AgentService) BlockAgent(ctx context.Context, id string) error {
	return s.updateAgentFlag(ctx, id, infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, true, "kill-switch-block")
}

func (s *AgentService) UnblockAgent(ctx context.Context, id string) error {
	return s.updateAgentFlag(ctx, id, infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, false, "kill-switch-unblock")
}

func (s *AgentService) SetSandboxMode(ctx context.Context, id string, enabled bool) error {
	return s.updateAgentFlag(ctx, id, infra.RedisKeySandboxAgents, infra.RedisChanSandbox, enabled, "sandbox-toggle")
}

// GetAgent состояние агента по двум множествам
func (s *AgentService) GetAgent(ctx context.Context, id string) (domain.AgentState, error) {
	pipe := s.rdb.Pipeline()
	blocked := pipe.SIsMember(ctx, infra.RedisKeyBlockedAgents, id)
	sandbox := pipe.SIsMember(ctx, infra.RedisKeySandboxAgents, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.AgentState{}, fmt.Errorf("agent state %s: %w", id, err)
	}
	return domain.StateOf(id, blocked.Val(), sandbox.Val()), nil
}

// ListFlagged агенты, у которых есть хотя бы один флаг
func (s *AgentService) ListFlagged(ctx context.Context) ([]domain.AgentState, error) {
	blocked, err := s.rdb.SMembers(ctx, infra.RedisKeyBlockedAgents).Result()
	if err != nil {
		return nil, fmt.Errorf("list blocked agents: %w", err)
	}
	sandbox, err := s.rdb.SMembers(ctx, infra.RedisKeySandboxAgents).Result()
	if err != nil {
		return nil, fmt.Errorf("list sandbox agents: %w", err)
	}

	type flags struct{ blocked, sandbox bool }
	byID := make(map[string]*flags)
	var order []string
	get := func(id string) *flags {
		f, ok := byID[id]
		if !ok {
			f = &flags{}
			byID[id] = f
			order = append(order, id)
		}
		return f
	}
	for _, id := range blocked {
		get(id).blocked = true
	}
	for _, id := range sandbox {
		get(id).sandbox = true
	}

	out := make([]domain.AgentState, 0, len(order))
	for _, id := range order {
		f := byID[id]
		out = append(out, domain.StateOf(id, f.blocked, f.sandbox))
	}
	return out, nil
}
