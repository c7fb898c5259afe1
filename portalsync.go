// Package portalsync is the offline-capable data layer of the citizen
// reporting portal.
//
// A Client ties together the local record cache, the live reconciler that
// keeps it in step with the remote document store, and the mutation queue
// with its connectivity-triggered flusher:
//
//	client, err := portalsync.Open(portalsync.Options{DataDir: dir}, remote, signal)
//	go client.Run(ctx)
//
//	sub := client.Read(ctx, remote.Query{Collection: "signals", Limit: 50})
//	render(sub.Initial)
//	for u := range sub.Updates() {
//		render(u.Records)
//	}
//
//	tempID, err := client.Create(ctx, "signals", map[string]any{"title": "Pothole"})
package portalsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acksell/portalsync/collection"
	"github.com/acksell/portalsync/connectivity"
	"github.com/acksell/portalsync/flusher"
	"github.com/acksell/portalsync/livesync"
	"github.com/acksell/portalsync/localstore"
	"github.com/acksell/portalsync/mutqueue"
	"github.com/acksell/portalsync/remote"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxAttempts is the number of transient flush failures after which
// a queued create is parked.
const DefaultMaxAttempts = 5

// Options configures a Client.
type Options struct {
	// DataDir holds the local database. Empty means in-memory.
	DataDir  string
	InMemory bool
	// Collections overrides collection.Defaults.
	Collections []collection.Definition
	// MaxAttempts defaults to DefaultMaxAttempts. Negative retries forever.
	MaxAttempts int
	// ResyncAfter forces a full resync of collections not synced for this
	// long. Zero disables it.
	ResyncAfter time.Duration
	// Probe, if set, drives the connectivity signal while the client runs.
	Probe         connectivity.ProbeFunc
	ProbeInterval time.Duration
	Logger        log.FieldLogger
}

// Client is the data layer.
type Client struct {
	Store      *localstore.Store
	Queue      *mutqueue.Queue
	Reconciler *livesync.Reconciler
	Reader     *livesync.Reader
	Flusher    *flusher.Flusher
	Signal     *connectivity.Signal

	remote remote.Store
	prober *connectivity.Prober
	log    log.FieldLogger
}

// Open opens the local store and wires the components. The client does not
// touch the network until Run.
func Open(opts Options, rem remote.Store, signal *connectivity.Signal) (*Client, error) {
	if rem == nil {
		return nil, errors.New("portalsync: remote store is required")
	}
	if signal == nil {
		signal = connectivity.NewSignal(false)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	defs := opts.Collections
	if len(defs) == 0 {
		defs = collection.Defaults
	}
	set, err := collection.NewSet(defs...)
	if err != nil {
		return nil, fmt.Errorf("portalsync: %w", err)
	}

	store, err := localstore.Open(localstore.Options{
		Path:        opts.DataDir,
		InMemory:    opts.InMemory,
		Collections: set,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("portalsync: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = DefaultMaxAttempts
	case maxAttempts < 0:
		maxAttempts = 0
	}

	c := &Client{
		Store:  store,
		Queue:  mutqueue.New(store, mutqueue.Options{MaxAttempts: maxAttempts, Logger: logger}),
		Signal: signal,
		remote: rem,
		log:    logger.WithField("component", "client"),
	}
	c.Reconciler = livesync.New(livesync.Options{
		Store:       store,
		Remote:      rem,
		Signal:      signal,
		ResyncAfter: opts.ResyncAfter,
		Logger:      logger,
	})
	c.Reader = livesync.NewReader(store, c.Reconciler)
	c.Flusher = flusher.New(flusher.Options{
		Queue:  c.Queue,
		Remote: rem,
		Signal: signal,
		Logger: logger,
	})
	if opts.Probe != nil {
		c.prober = &connectivity.Prober{
			Signal:   signal,
			Probe:    opts.Probe,
			Interval: opts.ProbeInterval,
			Logger:   logger,
		}
	}
	return c, nil
}

// Run runs the reconciler, the flusher and, if configured, the connectivity
// prober until ctx is done or one of them fails.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Reconciler.Run(ctx) })
	g.Go(func() error { return c.Flusher.Run(ctx) })
	if c.prober != nil {
		g.Go(func() error { return c.prober.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Read returns cached records for q immediately and subscribes to live
// updates. See livesync.Reader.Read.
func (c *Client) Read(ctx context.Context, q remote.Query) *livesync.Subscription {
	return c.Reader.Read(ctx, q)
}

// Resync replaces the cached collection of q with the remote's contents.
func (c *Client) Resync(ctx context.Context, q remote.Query) error {
	return c.Reader.Resync(ctx, q)
}

// Create queues a new record for the remote and returns its temporary id.
// It never blocks on the network; the record appears in reads once the
// remote has accepted it.
func (c *Client) Create(ctx context.Context, collectionName string, payload map[string]any) (string, error) {
	return c.Queue.Enqueue(ctx, collectionName, payload)
}

// QueuedFor returns the entries of a collection still waiting for the
// remote, oldest first, including parked ones. Views use it to show
// optimistic placeholders.
func (c *Client) QueuedFor(ctx context.Context, collectionName string) []mutqueue.Entry {
	all, err := c.Queue.All(ctx)
	if err != nil {
		c.log.WithError(err).Warn("reading queue failed")
		return nil
	}
	var out []mutqueue.Entry
	for _, e := range all {
		if e.Collection == collectionName {
			out = append(out, e)
		}
	}
	return out
}

// Remote returns the remote store the client writes to.
func (c *Client) Remote() remote.Store {
	return c.remote
}

// Close closes the local store. Stop Run first.
func (c *Client) Close() error {
	return c.Store.Close()
}
