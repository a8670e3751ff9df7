package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/dispatch"
	"agora/internal/domain"
	"agora/internal/store"
)

func testDB(t *testing.T) *Drainer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewDrainer(db, zerolog.Nop())
}

type notePayload struct {
	Text string `json:"text" validate:"required"`
}

func noteEvent(t *testing.T, text string) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(domain.EventCommunityJoined, notePayload{Text: text})
	require.NoError(t, err)
	return ev
}

func TestEmitJoinsCallerTransaction(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	tx, err := d.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, Emit(ctx, tx, noteEvent(t, "rolled back")))
	require.NoError(t, tx.Rollback())

	n, err := d.Drain(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n, "rolled-back emit leaves nothing to drain")

	tx, err = d.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, Emit(ctx, tx, noteEvent(t, "committed")))
	require.NoError(t, tx.Commit())

	n, err = d.Drain(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainDeliversInInsertionOrderOnce(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	var seen []string
	d.Subscribe(domain.EventCommunityJoined, dispatch.NewEventHandler(
		func(ctx context.Context, ev dispatch.EventContext[notePayload]) (any, error) {
			seen = append(seen, ev.Payload.Text)
			return nil, nil
		}))

	require.NoError(t, Emit(ctx, d.db, noteEvent(t, "first"), noteEvent(t, "second"), noteEvent(t, "third")))

	n, err := d.Drain(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "third"}, seen)

	// Relayed rows are not delivered again.
	n, err = d.Drain(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, seen, 3)
}

func TestDrainCheckpointSkipsOlderRows(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	old := noteEvent(t, "old")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, Emit(ctx, d.db, old, noteEvent(t, "new")))

	var seen []string
	d.Subscribe(domain.EventCommunityJoined, dispatch.NewEventHandler(
		func(ctx context.Context, ev dispatch.EventContext[notePayload]) (any, error) {
			seen = append(seen, ev.Payload.Text)
			return nil, nil
		}))

	n, err := d.Drain(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"new"}, seen)
}

func TestDrainStopsAtFailingRowAndResumes(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	failing := true
	var seen []string
	d.Subscribe(domain.EventCommunityJoined, dispatch.NewEventHandler(
		func(ctx context.Context, ev dispatch.EventContext[notePayload]) (any, error) {
			if failing && ev.Payload.Text == "second" {
				return nil, errors.New("transient")
			}
			seen = append(seen, ev.Payload.Text)
			return nil, nil
		}))

	require.NoError(t, Emit(ctx, d.db, noteEvent(t, "first"), noteEvent(t, "second"), noteEvent(t, "third")))

	n, err := d.Drain(ctx, time.Time{})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"first"}, seen)

	// Rerun resumes from the still-unrelayed rows, in order.
	failing = false
	n, err = d.Drain(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestDrainWithoutSubscribersMarksRelayed(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	require.NoError(t, Emit(ctx, d.db, noteEvent(t, "nobody cares")))

	n, err := d.Drain(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.Drain(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}
