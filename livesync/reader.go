package livesync

import (
	"context"
	"fmt"

	"github.com/acksell/portalsync/localstore"
	"github.com/acksell/portalsync/remote"
)

// Reader serves queries cache first: the local store answers immediately
// and the reconciler pushes fresher data as it arrives.
type Reader struct {
	store *localstore.Store
	rec   *Reconciler
}

func NewReader(store *localstore.Store, rec *Reconciler) *Reader {
	return &Reader{store: store, rec: rec}
}

// Read returns the cached result of q without waiting for the network or
// the reconciler loop, and subscribes to pushes for it. Reading the same
// query twice shares one remote session. The caller must Close the
// subscription.
func (r *Reader) Read(ctx context.Context, q remote.Query) *Subscription {
	initial := readShape(ctx, r.store, q)
	sub := newSubscription(r.rec.nextSub.Add(1), r.rec, q, initial)
	if q.Validate() != nil || !r.rec.send(attachMsg{sub: sub}) {
		// Nothing will ever push to this subscription.
		sub.closed.Store(true)
		sub.closeMailbox()
	}
	return sub
}

// Resync replaces the cached contents of q's collection with the remote's
// and pushes the result to every subscriber of that collection, bypassing
// the freshness rule.
func (r *Reader) Resync(ctx context.Context, q remote.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if err := r.rec.resyncCollection(ctx, q.Collection); err != nil {
		return err
	}
	done := make(chan struct{})
	if !r.rec.sendCtx(ctx, resyncMsg{collection: q.Collection, done: done}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("resync %s: %w", q.Collection, ErrStopped)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
