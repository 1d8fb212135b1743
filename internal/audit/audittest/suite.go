// Package audittest общий набор проверок для любой реализации audit.Ledger
package audittest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

// Run прогоняет контракт ledger. newLedger должен отдавать пустое хранилище.
func Run(t *testing.T, newLedger func(t *testing.T) audit.Ledger) {
	t.Run("StartAndGet", func(t *testing.T) { testStartAndGet(t, newLedger(t)) })
	t.Run("UniqueSessionIDs", func(t *testing.T) { testUniqueIDs(t, newLedger(t)) })
	t.Run("UpdateState", func(t *testing.T) { testUpdateState(t, newLedger(t)) })
	t.Run("PayloadRoundTrip", func(t *testing.T) { testPayloadRoundTrip(t, newLedger(t)) })
	t.Run("PayloadNumbers", func(t *testing.T) { testPayloadNumbers(t, newLedger(t)) })
	t.Run("WrittenEventsAreImmutable", func(t *testing.T) { testImmutable(t, newLedger(t)) })
	t.Run("TimelineOrderUnderConcurrency", func(t *testing.T) { testConcurrentOrder(t, newLedger(t)) })
	t.Run("TimelineIsolation", func(t *testing.T) { testIsolation(t, newLedger(t)) })
	t.Run("ListSessionsNewestFirst", func(t *testing.T) { testListSessions(t, newLedger(t)) })
	t.Run("ListSessionsPagesAreStable", func(t *testing.T) { testListSessionsPaging(t, newLedger(t)) })
	t.Run("Explain", func(t *testing.T) { testExplain(t, newLedger(t)) })
}

func start(t *testing.T, l audit.Ledger, user string) string {
	t.Helper()
	id, err := l.StartSession(context.Background(), audit.SessionStart{
		UserID: user, Username: "user-" + user, TrustLevel: 2, Mode: "DEMO", State: "idle",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func testStartAndGet(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	id := start(t, l, "42")

	s, err := l.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, s.SessionID)
	assert.Equal(t, "42", s.UserID)
	assert.Equal(t, "user-42", s.Username)
	assert.Equal(t, 2, s.TrustLevel)
	assert.Equal(t, "DEMO", s.Mode)
	assert.Equal(t, "idle", s.LastState)
	assert.False(t, s.StartedAt.IsZero())

	_, err = l.GetSession(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)

	_, err = l.SessionTimeline(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)

	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testUniqueIDs(t *testing.T, l audit.Ledger) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id := start(t, l, "u")
		assert.False(t, seen[id], "session id reused")
		seen[id] = true
	}
}

func testUpdateState(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	id := start(t, l, "1")
	_, err := l.LogEvent(ctx, audit.EventRecord{SessionID: id, EventType: domain.EventUI, Action: "a", State: "idle"})
	require.NoError(t, err)

	require.NoError(t, l.UpdateState(ctx, id, "checkout"))

	s, err := l.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "checkout", s.LastState)

	// события не меняются
	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "idle", events[0].State)

	assert.ErrorIs(t, l.UpdateState(ctx, "00000000-0000-0000-0000-000000000000", "x"), domain.ErrUnknownEntity)
}

func testPayloadRoundTrip(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	id := start(t, l, "7")

	rec := audit.EventRecord{
		SessionID: id,
		UserID:    "7",
		Username:  "user-7",
		EventType: domain.EventPolicy,
		Action:    "purchase.confirm",
		State:     "checkout",
		Decision:  domain.DecisionDeny,
		Policy:    "RULE-DEMO-01",
		Source:    audit.SourceGateway,
		Payload: map[string]any{
			"reason":      "DEMO_EXECUTION_BLOCKED",
			"nested":      map[string]any{"amount": 12.5, "items": []any{"a", "b"}, "qty": int64(3)},
			"flag":        true,
			"trust_level": int64(2),
			"big":         int64(9007199254740993),
			"empty":       map[string]any{},
			"none":        nil,
		},
	}
	written, err := l.LogEvent(ctx, rec)
	require.NoError(t, err)
	assert.False(t, written.TS.IsZero())

	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, rec.Username, got.Username)
	assert.Equal(t, rec.EventType, got.EventType)
	assert.Equal(t, rec.Action, got.Action)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.Decision, got.Decision)
	assert.Equal(t, rec.Policy, got.Policy)
	assert.Equal(t, rec.Source, got.Source)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, rec.Payload, written.Payload)
	assert.WithinDuration(t, written.TS, got.TS, time.Millisecond)
}

// testPayloadNumbers целые любого Go-типа читаются как int64, дробные как float64;
// пустой payload остается пустым, nil остается nil
func testPayloadNumbers(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	id := start(t, l, "n")

	for _, p := range []map[string]any{
		{"trust_level": 2, "count": int32(7), "ratio": 0.25, "list": []int{1, 2}},
		{},
		nil,
	} {
		_, err := l.LogEvent(ctx, audit.EventRecord{SessionID: id, EventType: domain.EventPolicy, Payload: p})
		require.NoError(t, err)
	}

	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, map[string]any{
		"trust_level": int64(2),
		"count":       int64(7),
		"ratio":       0.25,
		"list":        []any{int64(1), int64(2)},
	}, events[0].Payload)
	assert.NotNil(t, events[1].Payload)
	assert.Empty(t, events[1].Payload)
	assert.Nil(t, events[2].Payload)
}

// testImmutable ни писатель, ни читатель не могут поменять уже записанное событие
func testImmutable(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	id := start(t, l, "i")

	nested := map[string]any{"amount": int64(10)}
	list := []any{"ok"}
	written, err := l.LogEvent(ctx, audit.EventRecord{
		SessionID: id,
		EventType: domain.EventPolicy,
		Payload:   map[string]any{"n": nested, "l": list},
	})
	require.NoError(t, err)

	nested["amount"] = int64(999)
	list[0] = "TAMPERED"
	written.Payload["n"].(map[string]any)["writer"] = "x"

	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	events[0].Payload["n"].(map[string]any)["reader"] = "x"
	events[0].Payload["l"].([]any)[0] = "TAMPERED"

	again, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n": map[string]any{"amount": int64(10)},
		"l": []any{"ok"},
	}, again[0].Payload)

	// сводка EXPLAIN тоже не связана с тем, что лежит в ledger
	_, err = l.LogEvent(ctx, audit.EventRecord{SessionID: id, EventType: domain.EventPolicy, Decision: domain.DecisionDeny, Policy: "RULE-1"})
	require.NoError(t, err)
	sum, err := audit.RecordExplanation(ctx, l, id, "op-1")
	require.NoError(t, err)
	require.NotEmpty(t, sum.PoliciesTriggered)
	sum.PoliciesTriggered[0] = "FORGED"

	events, err = l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	explain := events[len(events)-1]
	require.Equal(t, domain.EventExplain, explain.EventType)
	assert.Equal(t, []any{"RULE-1"}, explain.Payload["policies_triggered"])
}

func testConcurrentOrder(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	id := start(t, l, "c")

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.LogEvent(ctx, audit.EventRecord{
					SessionID: id,
					EventType: domain.EventUI,
					Action:    fmt.Sprintf("w%d.%d", w, i),
					Decision:  domain.DecisionInfo,
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := l.SessionTimeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].TS.Before(events[i-1].TS), "timeline must be non-decreasing at %d", i)
	}
}

func testIsolation(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	a := start(t, l, "a")
	b := start(t, l, "b")

	_, err := l.LogEvent(ctx, audit.EventRecord{SessionID: a, EventType: domain.EventUI, Action: "only-a"})
	require.NoError(t, err)

	events, err := l.SessionTimeline(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testListSessions(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, start(t, l, fmt.Sprint(i)))
		// у SQL-бэкендов started_at может совпасть при быстром старте
		time.Sleep(2 * time.Millisecond)
	}

	all, err := l.ListSessions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].SessionID)
	assert.Equal(t, ids[0], all[4].SessionID)

	page, err := l.ListSessions(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].SessionID)
	assert.Equal(t, ids[2], page[1].SessionID)
}

// testListSessionsPaging сессии без пауз: started_at совпадает, порядок все равно один и тот же,
// страницы не пересекаются и вместе дают полный список
func testListSessionsPaging(t *testing.T, l audit.Ledger) {
	ctx := context.Background()
	want := make(map[string]struct{})
	for i := 0; i < 9; i++ {
		want[start(t, l, fmt.Sprint(i))] = struct{}{}
	}

	all, err := l.ListSessions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 9)
	again, err := l.ListSessions(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, all, again)

	seen := make(map[string]struct{})
	for offset := 0; offset < 9; offset += 2 {
		page, err := l.ListSessions(ctx, 2, offset)
		require.NoError(t, err)
		for i, s := range page {
			assert.Equal(t, all[offset+i].SessionID, s.SessionID)
			_, dup := seen[s.SessionID]
			assert.False(t, dup, "session %s on two pages", s.SessionID)
			seen[s.SessionID] = struct{}{}
		}
	}
	assert.Equal(t, want, seen)
}

func testExplain(t *testing.T, l audit.Ledger) {
	ctx := context.Background()

	empty := start(t, l, "e")
	sum, err := audit.ExplainSession(ctx, l, empty)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalEvents)
	assert.Zero(t, sum.AllowCount)
	assert.Zero(t, sum.DenyCount)
	assert.Empty(t, sum.PoliciesTriggered)

	id := start(t, l, "m")
	for _, r := range []audit.EventRecord{
		{Decision: domain.DecisionAllow, Policy: "UAG"},
		{Decision: domain.DecisionDeny, Policy: "RULE-DEMO-01"},
		{Decision: domain.DecisionDeny, Policy: "UI_LOCK"},
		{Decision: domain.DecisionInfo, Policy: "UAG"},
		{Decision: domain.DecisionAllow},
	} {
		r.SessionID = id
		r.EventType = domain.EventPolicy
		_, err := l.LogEvent(ctx, r)
		require.NoError(t, err)
	}

	sum, err = audit.ExplainSession(ctx, l, id)
	require.NoError(t, err)
	assert.Equal(t, id, sum.SessionID)
	assert.Equal(t, 5, sum.TotalEvents)
	assert.Equal(t, 2, sum.AllowCount)
	assert.Equal(t, 2, sum.DenyCount)
	assert.Equal(t, []string{"RULE-DEMO-01", "UAG", "UI_LOCK"}, sum.PoliciesTriggered)
	assert.NotEmpty(t, sum.Explanation)
}
