package mutqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acksell/portalsync/localstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *localstore.Store) {
	store, err := localstore.Open(localstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return New(store, opts), store
}

func tempIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.TempID
	}
	return out
}

func TestQueue_Enqueue(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "signals", map[string]any{"title": "Pothole", "votes": int64(2)})
	require.NoError(t, err)
	assert.True(t, IsTempID(id))

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "signals", e.Collection)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, map[string]any{"title": "Pothole", "votes": int64(2)}, e.Payload)
	assert.NotZero(t, e.EnqueuedAt)

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected enqueue notification")
	}

	t.Run("requires collection", func(t *testing.T) {
		_, err := q.Enqueue(ctx, "", map[string]any{})
		require.Error(t, err)
	})

	t.Run("payload is copied", func(t *testing.T) {
		payload := map[string]any{"title": "a"}
		id, err := q.Enqueue(ctx, "ideas", payload)
		require.NoError(t, err)
		payload["title"] = "mutated"
		e, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "a", e.Payload["title"])
	})
}

func TestQueue_PendingKeepsEnqueueOrder(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	// A clock stepping backward must not reorder entries.
	clock := []time.Time{now, now, now.Add(-time.Hour), now.Add(time.Second)}
	i := 0
	q, _ := newTestQueue(t, Options{Now: func() time.Time {
		ts := clock[i%len(clock)]
		i++
		return ts
	}})
	ctx := context.Background()

	var want []string
	for _, coll := range []string{"signals", "ideas", "events", "signals"} {
		id, err := q.Enqueue(ctx, coll, map[string]any{})
		require.NoError(t, err)
		want = append(want, id)
	}

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, tempIDs(pending))
	assert.Equal(t, 4, q.Len(ctx))
}

func TestQueue_OrderSurvivesRestartWithClockBehind(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	q, store := newTestQueue(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "signals", map[string]any{})
	require.NoError(t, err)

	// A new queue over the same database stands in for a restart.
	restarted := New(store, Options{Now: func() time.Time { return now.Add(-time.Hour) }})
	second, err := restarted.Enqueue(ctx, "signals", map[string]any{})
	require.NoError(t, err)

	pending, err := restarted.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, tempIDs(pending))
}

func TestQueue_Remove(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "signals", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, id))
	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, q.Len(ctx))

	// Already gone.
	require.NoError(t, q.Remove(ctx, id))

	require.Error(t, q.Remove(ctx, "not-a-temp-id"))
}

func TestQueue_RecordFailure(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("boom")

	t.Run("transient failures park after max attempts", func(t *testing.T) {
		q, _ := newTestQueue(t, Options{MaxAttempts: 3})
		id, err := q.Enqueue(ctx, "signals", map[string]any{})
		require.NoError(t, err)

		for attempt := 1; attempt <= 2; attempt++ {
			e, err := q.RecordFailure(ctx, id, cause, false)
			require.NoError(t, err)
			assert.Equal(t, attempt, e.Attempts)
			assert.Equal(t, StatusPending, e.Status)
			assert.Equal(t, "boom", e.LastError)
		}

		e, err := q.RecordFailure(ctx, id, cause, false)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, e.Status)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
		failed, err := q.Failed(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, tempIDs(failed))
	})

	t.Run("permanent failure parks immediately", func(t *testing.T) {
		q, _ := newTestQueue(t, Options{MaxAttempts: 3})
		id, err := q.Enqueue(ctx, "signals", map[string]any{})
		require.NoError(t, err)

		e, err := q.RecordFailure(ctx, id, cause, true)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.Equal(t, 1, e.Attempts)
	})

	t.Run("zero max attempts retries forever", func(t *testing.T) {
		q, _ := newTestQueue(t, Options{})
		id, err := q.Enqueue(ctx, "signals", map[string]any{})
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			_, err := q.RecordFailure(ctx, id, cause, false)
			require.NoError(t, err)
		}
		e, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, e.Status)
		assert.Equal(t, 10, e.Attempts)
	})

	t.Run("unknown entry", func(t *testing.T) {
		q, _ := newTestQueue(t, Options{})
		_, err := q.RecordFailure(ctx, "tmp_01ARZ3NDEKTSV4RRFFQ69G5FAV", cause, false)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestQueue_RetryAndDiscard(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	a, err := q.Enqueue(ctx, "signals", map[string]any{})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "signals", map[string]any{})
	require.NoError(t, err)
	<-q.Notify()

	for _, id := range []string{a, b} {
		_, err := q.RecordFailure(ctx, id, errors.New("rejected"), true)
		require.NoError(t, err)
	}

	require.NoError(t, q.Retry(ctx, a))
	e, err := q.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.Attempts)
	assert.Empty(t, e.LastError)
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected retry notification")
	}

	require.NoError(t, q.Discard(ctx, b))
	_, err = q.Get(ctx, b)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.Discard(ctx, b), ErrNotFound)
	assert.Equal(t, 1, q.Len(ctx))
}

func TestQueue_Durable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := localstore.Open(localstore.Options{Path: dir})
	require.NoError(t, err)
	id, err := New(store, Options{}).Enqueue(ctx, "ideas", map[string]any{"title": "Bike lane"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = localstore.Open(localstore.Options{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	pending, err := New(store, Options{}).Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].TempID)
	assert.Equal(t, "Bike lane", pending[0].Payload["title"])
}

func TestQueue_Unavailable(t *testing.T) {
	q := New(nil, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "signals", map[string]any{})
	assert.ErrorIs(t, err, localstore.ErrUnavailable)
	_, err = q.Pending(ctx)
	assert.ErrorIs(t, err, localstore.ErrUnavailable)
	assert.Zero(t, q.Len(ctx))
}
