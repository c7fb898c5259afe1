package portalsync

import (
	"context"
	"testing"
	"time"

	"github.com/acksell/portalsync/collection"
	"github.com/acksell/portalsync/connectivity"
	"github.com/acksell/portalsync/flusher"
	"github.com/acksell/portalsync/livesync"
	"github.com/acksell/portalsync/mutqueue"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
	"github.com/acksell/portalsync/remote/memremote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, dataDir string) (*Client, *memremote.Store, *connectivity.Signal) {
	set, err := collection.NewSet(collection.Defaults...)
	require.NoError(t, err)
	rem := memremote.New(memremote.Options{Collections: set})
	signal := connectivity.NewSignal(false)

	client, err := Open(Options{DataDir: dataDir, InMemory: dataDir == ""}, rem, signal)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		client.Close()
	})
	return client, rem, signal
}

func waitForUpdate(t *testing.T, sub *livesync.Subscription, pred func(livesync.Update) bool) livesync.Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-sub.Updates():
			require.True(t, ok)
			if pred(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestClient_OfflineCreateSyncsOnReconnect(t *testing.T) {
	client, rem, signal := newTestClient(t, "")
	ctx := context.Background()

	sub := client.Read(ctx, remote.Query{Collection: "signals"})
	defer sub.Close()
	assert.Empty(t, sub.Initial)

	tempID, err := client.Create(ctx, "signals", map[string]any{"title": "Pothole"})
	require.NoError(t, err)

	queued := client.QueuedFor(ctx, "signals")
	require.Len(t, queued, 1)
	assert.Equal(t, tempID, queued[0].TempID)
	assert.Empty(t, client.QueuedFor(ctx, "ideas"))
	assert.Zero(t, client.Store.Count(ctx, "signals"), "queued creates never land in the cache directly")

	signal.Set(true)

	u := waitForUpdate(t, sub, func(u livesync.Update) bool { return len(u.Records) > 0 })
	require.Len(t, u.Records, 1)
	assert.Equal(t, flusher.ServerID(tempID), u.Records[0].ID)
	assert.Equal(t, "Pothole", u.Records[0].Fields["title"])

	require.Eventually(t, func() bool { return client.Queue.Len(ctx) == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, client.Store.Count(ctx, "signals"))
	assert.Equal(t, 1, rem.Creates())
	assert.Empty(t, client.QueuedFor(ctx, "signals"))
}

func TestClient_RejectedCreateStaysVisible(t *testing.T) {
	client, rem, signal := newTestClient(t, "")
	ctx := context.Background()

	rem.SetCreateHook(func(collection, id string) error {
		return remote.Rejected(assert.AnError)
	})
	tempID, err := client.Create(ctx, "ideas", map[string]any{"title": "Too long"})
	require.NoError(t, err)
	signal.Set(true)

	require.Eventually(t, func() bool {
		q := client.QueuedFor(ctx, "ideas")
		return len(q) == 1 && q[0].Status == mutqueue.StatusFailed
	}, 2*time.Second, time.Millisecond)

	rem.SetCreateHook(nil)
	require.NoError(t, client.Queue.Retry(ctx, tempID))
	require.Eventually(t, func() bool { return client.Queue.Len(ctx) == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, rem.Creates())
}

func TestClient_CacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	set, err := collection.NewSet(collection.Defaults...)
	require.NoError(t, err)
	rem := memremote.New(memremote.Options{Collections: set})
	_, err = rem.Create(ctx, "settlements", "uppsala", recordWithName("Uppsala"))
	require.NoError(t, err)

	func() {
		client, err := Open(Options{DataDir: dir}, rem, connectivity.NewSignal(true))
		require.NoError(t, err)
		defer client.Close()

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- client.Run(runCtx) }()

		sub := client.Read(ctx, remote.Query{Collection: "settlements"})
		waitForUpdate(t, sub, func(u livesync.Update) bool { return len(u.Records) == 1 })
		sub.Close()
		cancel()
		require.NoError(t, <-done)
	}()

	// Offline restart renders from disk.
	client, err := Open(Options{DataDir: dir}, rem, connectivity.NewSignal(false))
	require.NoError(t, err)
	defer client.Close()
	sub := client.Read(ctx, remote.Query{Collection: "settlements"})
	defer sub.Close()
	require.Len(t, sub.Initial, 1)
	assert.Equal(t, "Uppsala", sub.Initial[0].Fields["name"])
}

func TestOpen_RequiresRemote(t *testing.T) {
	_, err := Open(Options{InMemory: true}, nil, nil)
	require.Error(t, err)
}

func recordWithName(name string) record.Record {
	return record.Record{Fields: map[string]any{"name": name}}
}
