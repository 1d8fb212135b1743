package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
)

func TestRBAC_Allows(t *testing.T) {
	r := RBACFromConfig(infra.RBACConfig{
		DefaultRole: "viewer",
		Roles: []infra.RoleConfig{
			{Name: "viewer", Intents: []string{"profile.view"}},
			{Name: "admin", Intents: []string{"*"}},
			{Name: "buyer", Intents: []string{"purchase.create"}},
			{Name: "buyer", Intents: []string{"purchase.refund"}},
		},
		Callers: []infra.CallerBinding{
			{ID: "root", Role: "admin"},
			{ID: "alice", Role: "buyer"},
			{ID: "ghost", Role: "missing"},
		},
	})

	assert.True(t, r.Allows("root", "anything.at.all"))
	assert.True(t, r.Allows("alice", "purchase.create"))
	assert.True(t, r.Allows("alice", "purchase.refund"), "role declared twice merges intents")
	assert.False(t, r.Allows("alice", "profile.view"))
	assert.True(t, r.Allows("unknown", "profile.view"), "default role applies to unbound callers")
	assert.False(t, r.Allows("unknown", "purchase.create"))
	assert.False(t, r.Allows("ghost", "profile.view"), "unknown role grants nothing")
	assert.Equal(t, "viewer", r.RoleOf("unknown"))
}

func TestRBAC_NoDefaultRoleDenies(t *testing.T) {
	r := NewRBAC(map[string][]string{"admin": {"*"}}, map[string]string{"root": "admin"}, "")
	assert.False(t, r.Allows("stranger", "profile.view"))
}
