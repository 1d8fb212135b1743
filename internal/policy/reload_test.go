package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"go.uber.org/zap"
)

const allowAll = "rules:\n  - id: ALLOW-ALL\n    policy: \"*\"\n    decision: ALLOW\n"
const denyAll = "rules:\n  - id: DENY-ALL\n    policy: \"*\"\n    decision: DENY\n"

func writeRules(t *testing.T, path, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
}

func TestReloader_KeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeRules(t, path, allowAll)

	rules, err := LoadFile(path)
	require.NoError(t, err)
	e := NewEngine(rules)
	r := NewReloader(e, path, zap.NewNop())

	writeRules(t, path, "rules: [")
	err = r.Reload()
	require.ErrorIs(t, err, domain.ErrConfig)
	assert.Equal(t, "ALLOW-ALL", e.Evaluate(Input{Action: "x"}).RuleID)

	writeRules(t, path, denyAll)
	require.NoError(t, r.Reload())
	assert.Equal(t, "DENY-ALL", e.Evaluate(Input{Action: "x"}).RuleID)
}

func TestReloader_WatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeRules(t, path, allowAll)

	rules, err := LoadFile(path)
	require.NoError(t, err)
	e := NewEngine(rules)
	r := NewReloader(e, path, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.WatchFile(ctx) }()

	// даем watcher подняться
	time.Sleep(100 * time.Millisecond)
	writeRules(t, path, denyAll)

	assert.Eventually(t, func() bool {
		return e.Evaluate(Input{Action: "x"}).RuleID == "DENY-ALL"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestReloader_ListenSignals(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeRules(t, path, allowAll)
	rules, err := LoadFile(path)
	require.NoError(t, err)
	e := NewEngine(rules)
	r := NewReloader(e, path, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ListenSignals(ctx, rdb)

	writeRules(t, path, denyAll)

	assert.Eventually(t, func() bool {
		_ = rdb.Publish(ctx, infra.RedisChanPolicyUpdate, "reload").Err()
		return e.Evaluate(Input{Action: "x"}).RuleID == "DENY-ALL"
	}, 5*time.Second, 100*time.Millisecond)
}
