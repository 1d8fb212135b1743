package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/audit/audittest"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/repository/sqlite"
)

func openTemp(t *testing.T) *sqlite.Ledger {
	t.Helper()
	l, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_Contract(t *testing.T) {
	audittest.Run(t, func(t *testing.T) audit.Ledger { return openTemp(t) })
}

func TestLedger_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "audit.db")

	l, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	id, err := l.StartSession(ctx, audit.SessionStart{UserID: "1", Mode: "PROD"})
	require.NoError(t, err)
	_, err = l.LogEvent(ctx, audit.EventRecord{SessionID: id, EventType: domain.EventFSM, State: "checkout"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.SessionTimeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventFSM, events[0].EventType)
	assert.Equal(t, "checkout", events[0].State)
}
