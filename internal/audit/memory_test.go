package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/audit/audittest"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

func TestMemoryLedger_Contract(t *testing.T) {
	audittest.Run(t, func(t *testing.T) audit.Ledger { return audit.NewMemoryLedger() })
}

func TestMemoryLedger_RejectsEventWithoutSession(t *testing.T) {
	l := audit.NewMemoryLedger()
	_, err := l.LogEvent(context.Background(), audit.EventRecord{EventType: domain.EventUI})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMemoryLedger_TimelineIsCopy(t *testing.T) {
	ctx := context.Background()
	l := audit.NewMemoryLedger()
	id, err := l.StartSession(ctx, audit.SessionStart{UserID: "1"})
	require.NoError(t, err)

	payload := map[string]any{"k": "v"}
	_, err = l.LogEvent(ctx, audit.EventRecord{SessionID: id, EventType: domain.EventUI, Payload: payload})
	require.NoError(t, err)
	payload["k"] = "changed after write"

	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	events[0].Payload["k"] = "changed by reader"

	again, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v", again[0].Payload["k"])
}

func TestMemoryLedger_ClockSkewKeepsOrder(t *testing.T) {
	ctx := context.Background()
	l := audit.NewMemoryLedger()
	id, err := l.StartSession(ctx, audit.SessionStart{UserID: "1"})
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	i := 0
	audit.SetClock(l, func() time.Time { ts := clock[i]; i++; return ts })

	for range clock {
		_, err := l.LogEvent(ctx, audit.EventRecord{SessionID: id, EventType: domain.EventUI})
		require.NoError(t, err)
	}

	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, base, events[0].TS)
	assert.Equal(t, base, events[1].TS)
	assert.Equal(t, base.Add(time.Second), events[2].TS)
	assert.Less(t, events[0].Seq, events[1].Seq)
}

func TestNormalizeLimit(t *testing.T) {
	l, o := audit.NormalizeLimit(0, -3)
	assert.Equal(t, audit.DefaultListLimit, l)
	assert.Zero(t, o)

	l, _ = audit.NormalizeLimit(10000, 0)
	assert.Equal(t, audit.MaxListLimit, l)
}
