package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in   string
		id   string
		on   bool
		fail bool
	}{
		{in: "agent-1:true", id: "agent-1", on: true},
		{in: "agent-1:false", id: "agent-1"},
		{in: "agent-1:on", id: "agent-1", on: true},
		{in: "urn:agent:7:off", id: "urn:agent:7"},
		{in: "agent-1", fail: true},
		{in: ":true", fail: true},
		{in: "agent-1:", fail: true},
		{in: "agent-1:maybe", fail: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			id, on, err := ParseSignal(tc.in)
			if tc.fail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.id, id)
			assert.Equal(t, tc.on, on)
		})
	}
}

func TestKillSwitch_InitAndSignals(t *testing.T) {
	mr, rdb := newRedis(t)
	_, err := mr.SAdd(infra.RedisKeyBlockedAgents, "agent-x")
	require.NoError(t, err)

	ks := NewKillSwitchManager(rdb, zap.NewNop())
	require.NoError(t, ks.Init(context.Background()))
	assert.True(t, ks.IsBlocked("agent-x"))
	assert.False(t, ks.IsBlocked("agent-y"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ks.StartListener(ctx)

	// Ждем подписку, затем шлем сигналы
	require.Eventually(t, func() bool {
		return rdb.PubSubNumSub(ctx, infra.RedisChanKillSwitch).Val()[infra.RedisChanKillSwitch] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rdb.Publish(ctx, infra.RedisChanKillSwitch, "agent-y:true").Err())
	require.NoError(t, rdb.Publish(ctx, infra.RedisChanKillSwitch, "agent-x:false").Err())

	assert.Eventually(t, func() bool {
		return ks.IsBlocked("agent-y") && !ks.IsBlocked("agent-x")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKillSwitch_WithoutRedis(t *testing.T) {
	ks := NewKillSwitchManager(nil, zap.NewNop())
	require.NoError(t, ks.Init(context.Background()))
	ks.Mark("a", true)
	assert.True(t, ks.IsBlocked("a"))
	ks.StartListener(context.Background()) // без Redis сразу возвращается
}

func TestSandbox_WarmupSeedsEmptyRedis(t *testing.T) {
	mr, rdb := newRedis(t)

	sm := NewSandboxManager(rdb, []string{"demo-bot", "qa-bot"}, zap.NewNop())
	require.NoError(t, sm.Init(context.Background()))

	assert.True(t, sm.IsSandbox("demo-bot"))
	members, err := mr.Members(infra.RedisKeySandboxAgents)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"demo-bot", "qa-bot"}, members)
	assert.False(t, mr.Exists(infra.GetWarmupLockKey("sandbox")), "lock is released after seeding")
}

func TestSandbox_WarmupKeepsExistingRedisState(t *testing.T) {
	mr, rdb := newRedis(t)
	_, err := mr.SAdd(infra.RedisKeySandboxAgents, "other-bot")
	require.NoError(t, err)

	sm := NewSandboxManager(rdb, []string{"demo-bot"}, zap.NewNop())
	require.NoError(t, sm.Init(context.Background()))

	// Redis уже настроен оператором: seed не применяется ни к L2, ни к L1
	assert.True(t, sm.IsSandbox("other-bot"))
	assert.False(t, sm.IsSandbox("demo-bot"))
	members, err := mr.Members(infra.RedisKeySandboxAgents)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-bot"}, members)
}

func TestSandbox_WarmupSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set(infra.GetWarmupLockKey("sandbox"), "warmup"))

	sm := NewSandboxManager(rdb, []string{"demo-bot"}, zap.NewNop())
	require.NoError(t, sm.Init(context.Background()))

	assert.False(t, mr.Exists(infra.RedisKeySandboxAgents))
	assert.False(t, sm.IsSandbox("demo-bot"))
}

func TestSandbox_WithoutRedisUsesSeed(t *testing.T) {
	sm := NewSandboxManager(nil, []string{"demo-bot"}, zap.NewNop())
	require.NoError(t, sm.Init(context.Background()))
	assert.True(t, sm.IsSandbox("demo-bot"))
}
