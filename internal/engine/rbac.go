package engine

import (
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
)

// RBAC роль вызывающего -> набор разрешенных intent (action или capability).
// Строится один раз при старте, дальше только чтение.
type RBAC struct {
	roles       map[string]map[string]struct{}
	callers     map[string]string
	defaultRole string
}

// NewRBAC roles: роль -> intents, callers: caller_id -> роль.
// defaultRole применяется к вызывающим без явной привязки; пустая роль = запрет.
func NewRBAC(roles map[string][]string, callers map[string]string, defaultRole string) *RBAC {
	r := &RBAC{
		roles:       make(map[string]map[string]struct{}, len(roles)),
		callers:     make(map[string]string, len(callers)),
		defaultRole: defaultRole,
	}
	for name, intents := range roles {
		set := make(map[string]struct{}, len(intents))
		for _, in := range intents {
			set[in] = struct{}{}
		}
		r.roles[name] = set
	}
	for id, role := range callers {
		r.callers[id] = role
	}
	return r
}

// RBACFromConfig собирает RBAC из секции rbac конфига
func RBACFromConfig(cfg infra.RBACConfig) *RBAC {
	roles := make(map[string][]string, len(cfg.Roles))
	for _, rc := range cfg.Roles {
		roles[rc.Name] = append(roles[rc.Name], rc.Intents...)
	}
	callers := make(map[string]string, len(cfg.Callers))
	for _, cb := range cfg.Callers {
		callers[cb.ID] = cb.Role
	}
	return NewRBAC(roles, callers, cfg.DefaultRole)
}

// RoleOf роль вызывающего с учетом роли по умолчанию
func (r *RBAC) RoleOf(caller string) string {
	if role, ok := r.callers[caller]; ok {
		return role
	}
	return r.defaultRole
}

// Allows true, если роль вызывающего содержит action или "*"
func (r *RBAC) Allows(caller, action string) bool {
	intents, ok := r.roles[r.RoleOf(caller)]
	if !ok {
		return false
	}
	if _, ok := intents[domain.Wildcard]; ok {
		return true
	}
	_, ok = intents[action]
	return ok
}
