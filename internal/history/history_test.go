package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSinkRoundTrip(t *testing.T) {
	sink, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	events := []Event{
		{Type: EventStart, OccurredAt: time.Now(), PID: 4242, State: "active", Detail: "privileged"},
		{Type: EventCrash, OccurredAt: time.Now(), PID: 0, State: "healing", Detail: "exit status 137"},
		{Type: EventStop, OccurredAt: time.Now(), PID: 0, State: "inactive", Detail: "stop requested"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM worker_history").Scan(&count))
	assert.Equal(t, len(events), count)

	var event, state, detail string
	var pid int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT event, pid, state, detail FROM worker_history WHERE event = ?",
		string(EventStart)).Scan(&event, &pid, &state, &detail))
	assert.Equal(t, "start", event)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, "active", state)
	assert.Equal(t, "privileged", detail)
}

func TestSQLiteSinkFileDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	sink, err := NewSQLite("sqlite://" + path)
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), Event{
		Type: EventTransition, OccurredAt: time.Now(), State: "active",
	}))
	require.NoError(t, sink.Close())

	// Reopen: schema creation is idempotent and rows persist.
	sink, err = NewSQLite(path)
	require.NoError(t, err)
	defer sink.Close()
	var count int
	require.NoError(t, sink.db.QueryRow("SELECT COUNT(*) FROM worker_history").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	_, err := NewSQLite("  ")
	require.Error(t, err)
}
