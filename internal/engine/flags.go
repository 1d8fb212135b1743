package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"go.uber.org/zap"
)

// AgentFlagSet L1 (RAM) кэш множества агентов с признаком (blocked, sandbox).
// Источник правды Redis Set, изменения приходят сигналами "agent_id:on|off".
// Без Redis (rdb == nil) работает как локальное множество.
type AgentFlagSet struct {
	mu      sync.RWMutex
	agents  map[string]struct{}
	rdb     *redis.Client
	setKey  string
	channel string
	logger  *zap.Logger
}

func newAgentFlagSet(rdb *redis.Client, setKey, channel string, logger *zap.Logger) *AgentFlagSet {
	return &AgentFlagSet{
		agents:  make(map[string]struct{}),
		rdb:     rdb,
		setKey:  setKey,
		channel: channel,
		logger:  logger,
	}
}

// Init загружает текущее состояние из Redis Set
func (f *AgentFlagSet) Init(ctx context.Context) error {
	if f.rdb == nil {
		return nil
	}
	ids, err := f.rdb.SMembers(ctx, f.setKey).Result()
	if err != nil {
		return fmt.Errorf("engine: load %s: %w", f.setKey, err)
	}
	f.replace(ids)
	return nil
}

func (f *AgentFlagSet) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	f.mu.Lock()
	f.agents = next
	f.mu.Unlock()
}

func (f *AgentFlagSet) merge(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.agents[id] = struct{}{}
	}
}

// Has горячий путь, только RAM
func (f *AgentFlagSet) Has(agentID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.agents[agentID]
	return ok
}

// Mark меняет только локальный кэш
func (f *AgentFlagSet) Mark(agentID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.agents[agentID] = struct{}{}
	} else {
		delete(f.agents, agentID)
	}
}

// StartListener подписывается на сигналы; при каждом переподключении перечитывает Set
func (f *AgentFlagSet) StartListener(ctx context.Context) {
	if f.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, f.rdb, f.logger, f.channel,
		func() error { return f.Init(ctx) },
		func(payload string) {
			id, on, err := ParseSignal(payload)
			if err != nil {
				f.logger.Error("invalid signal format", zap.String("payload", payload), zap.Error(err))
				return
			}
			f.Mark(id, on)
			f.logger.Info("agent flag updated", zap.String("agent_id", id), zap.Bool("on", on))
		},
	)
}

// ParseSignal разбирает "agent_id:true|false|on|off". ID может содержать ':'.
func ParseSignal(payload string) (string, bool, error) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, fmt.Errorf("expected agent_id:status, got %q", payload)
	}
	id, status := payload[:i], payload[i+1:]
	switch status {
	case "true", "on":
		return id, true, nil
	case "false", "off":
		return id, false, nil
	}
	return "", false, fmt.Errorf("unknown status %q", status)
}

// KillSwitchManager мгновенная блокировка агентов
type KillSwitchManager struct {
	*AgentFlagSet
}

func NewKillSwitchManager(rdb *redis.Client, logger *zap.Logger) *KillSwitchManager {
	return &KillSwitchManager{
		AgentFlagSet: newAgentFlagSet(rdb, infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch,
			logger.With(zap.String("mod", "kill-switch"))),
	}
}

func (m *KillSwitchManager) IsBlocked(agentID string) bool {
	return m.Has(agentID)
}
