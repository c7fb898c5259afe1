package cli

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/acksell/portalsync"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
	"github.com/acksell/portalsync/remote/memremote"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const syncTimeout = 2 * time.Second

// startWatch runs the reconciler and a watch over signals against an
// in-process remote.
func startWatch(t *testing.T, retryAfter time.Duration) (*portalsync.Client, *memremote.Store) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	opts := &RootOptions{InMemory: true, Remote: RemoteMemory, Logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := openClient(ctx, opts)
	require.NoError(t, err)
	rem, ok := client.Remote().(*memremote.Store)
	require.True(t, ok)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		client.Reconciler.Run(ctx)
	}()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watch(ctx, client, remote.Query{Collection: "signals"}, retryAfter, logger)
	}()
	t.Cleanup(func() {
		cancel()
		<-watchDone
		<-runDone
		closeClient(client, opts)
	})

	require.Eventually(t, func() bool { return rem.Watchers() == 1 }, syncTimeout, time.Millisecond)
	return client, rem
}

func TestWatch_ResubscribesOnReconnect(t *testing.T) {
	client, rem := startWatch(t, time.Hour)

	rem.BreakWatchers(errors.New("throttled"))
	require.Eventually(t, func() bool { return rem.Watchers() == 0 }, syncTimeout, time.Millisecond)
	assert.Never(t, func() bool { return rem.Watchers() > 0 }, 50*time.Millisecond, time.Millisecond)

	require.Eventually(t, func() bool {
		client.Signal.Set(false)
		client.Signal.Set(true)
		return rem.Watchers() > 0
	}, syncTimeout, 20*time.Millisecond)
	require.Eventually(t, func() bool { return rem.Watchers() == 1 }, syncTimeout, time.Millisecond)

	ctx := context.Background()
	_, err := rem.Create(ctx, "signals", "s1", record.Record{Fields: map[string]any{"title": "Pothole"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, found := client.Store.Get(ctx, "signals", "s1")
		return found
	}, syncTimeout, time.Millisecond)
}

func TestWatch_ResubscribesAfterDelay(t *testing.T) {
	client, rem := startWatch(t, 20*time.Millisecond)

	rem.BreakWatchers(errors.New("throttled"))
	require.Eventually(t, func() bool { return rem.Watchers() == 1 }, syncTimeout, time.Millisecond)

	ctx := context.Background()
	_, err := rem.Create(ctx, "signals", "s2", record.Record{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, found := client.Store.Get(ctx, "signals", "s2")
		return found
	}, syncTimeout, time.Millisecond)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	assert.NotNil(t, runCmd.Flags().Lookup("metrics-addr"))
	flag := runCmd.Flags().Lookup("resubscribe-after")
	require.NotNil(t, flag)
	assert.Equal(t, defaultResubscribeAfter.String(), flag.DefValue)
}
