package connectors

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller то же, что engine.Executor; объявлен здесь, чтобы не тянуть engine в connectors
type Caller interface {
	Call(ctx context.Context, action string, payload []byte) ([]byte, error)
}

// CapabilityAdapter отдает agent-to-agent вызов коннектору как действие "<target>.<capability>".
// Реализует capability.Provider; проекцию на exposed_fields делает Registry.
type CapabilityAdapter struct {
	next Caller
}

func NewCapabilityAdapter(next Caller) *CapabilityAdapter {
	return &CapabilityAdapter{next: next}
}

func (a *CapabilityAdapter) Invoke(ctx context.Context, target, capability string) (map[string]any, error) {
	payload, err := json.Marshal(map[string]string{"target": target, "capability": capability})
	if err != nil {
		return nil, err
	}
	raw, err := a.next.Call(ctx, target+"."+capability, payload)
	if err != nil {
		return nil, fmt.Errorf("capability %s.%s: %w", target, capability, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("capability %s.%s: decode result: %w", target, capability, err)
	}
	return data, nil
}
