package capability

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

// Provider исполняет capability целевого агента и возвращает ПОЛНЫЕ данные.
// Никаких проверок прав и фильтрации: этим занимается Registry.
type Provider interface {
	Invoke(ctx context.Context, target, capability string) (map[string]any, error)
}

// ProviderFunc адаптер обычной функции к Provider
type ProviderFunc func(ctx context.Context, target, capability string) (map[string]any, error)

func (f ProviderFunc) Invoke(ctx context.Context, target, capability string) (map[string]any, error) {
	return f(ctx, target, capability)
}

// StaticProvider отдает заранее заданные данные (sandbox-провайдер)
type StaticProvider struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]any
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{data: make(map[string]map[string]map[string]any)}
}

func (p *StaticProvider) Set(target, capability string, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data[target]; !ok {
		p.data[target] = make(map[string]map[string]any)
	}
	p.data[target][capability] = maps.Clone(data)
}

func (p *StaticProvider) Invoke(ctx context.Context, target, capability string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.data[target][capability]
	if !ok {
		return nil, fmt.Errorf("static provider: no data for %s/%s: %w", target, capability, domain.ErrUnknownEntity)
	}
	return maps.Clone(data), nil
}
