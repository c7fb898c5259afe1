package livesync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/acksell/portalsync/localstore"
	"github.com/acksell/portalsync/metrics"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
)

// pump streams snapshots of one session from the remote into the local
// store and reports them to the loop. It exits when ctx is cancelled or the
// watch fails.
func (r *Reconciler) pump(ctx context.Context, q remote.Query, gen uint64, resync bool) {
	shape := q.Shape()
	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		r.sendCtx(ctx, failedMsg{shape: shape, gen: gen, err: err})
	}

	if resync {
		if err := r.resyncCollection(ctx, q.Collection); err != nil {
			fail(err)
			return
		}
	}

	w, err := r.remote.Watch(ctx, q)
	if err != nil {
		fail(fmt.Errorf("watch %s: %w", shape, err))
		return
	}
	defer w.Close()

	first := resync
	for {
		snap, err := w.Next(ctx)
		if err != nil {
			fail(fmt.Errorf("watch %s: %w", shape, err))
			return
		}
		recs := r.apply(ctx, q, snap)
		if !r.sendCtx(ctx, publishMsg{shape: shape, gen: gen, records: recs, resync: first}) {
			return
		}
		first = false
	}
}

// apply merges a snapshot into the local store and returns the store's view
// of the query afterwards. If the store cannot take the write, the snapshot
// itself is the best view available.
func (r *Reconciler) apply(ctx context.Context, q remote.Query, snap remote.Snapshot) []record.Record {
	metrics.ReconcilerSnapshotsTotal.WithLabelValues(q.Collection).Inc()
	if err := r.store.Put(ctx, q.Collection, snap.Records...); err != nil {
		r.log.WithError(err).WithField("shape", q.Shape()).Warn("merging snapshot into local store failed")
		if snap.Records == nil {
			return []record.Record{}
		}
		return snap.Records
	}
	markSynced(ctx, r.store, q.Shape(), r.now())
	return readShape(ctx, r.store, q)
}

// resyncCollection replaces the cached collection with the remote's full
// contents.
func (r *Reconciler) resyncCollection(ctx context.Context, collectionName string) error {
	recs, err := r.remote.Query(ctx, remote.Query{Collection: collectionName})
	if err != nil {
		return fmt.Errorf("resync %s: %w", collectionName, err)
	}
	if err := r.store.Replace(ctx, collectionName, recs...); err != nil {
		return fmt.Errorf("resync %s: %w", collectionName, err)
	}
	markSynced(ctx, r.store, collectionName, r.now())
	r.log.WithField("collection", collectionName).WithField("records", len(recs)).Info("resynced collection")
	return nil
}

// readShape returns the local store's view of q.
func readShape(ctx context.Context, store *localstore.Store, q remote.Query) []record.Record {
	if q.ID != "" {
		r, found := store.Get(ctx, q.Collection, q.ID)
		if !found {
			return []record.Record{}
		}
		return []record.Record{r}
	}
	return store.GetAll(ctx, q.Collection, q.Limit)
}

func syncKey(shape string) string {
	return "sync/" + shape
}

func markSynced(ctx context.Context, store *localstore.Store, shape string, at time.Time) {
	// Bookkeeping only; a failed write just means an earlier resync.
	_ = store.SetMeta(ctx, syncKey(shape), strconv.FormatInt(at.UnixMilli(), 10))
}

func lastSynced(ctx context.Context, store *localstore.Store, shape string) (time.Time, bool) {
	v, ok := store.GetMeta(ctx, syncKey(shape))
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
