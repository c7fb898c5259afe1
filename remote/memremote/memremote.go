// Package memremote is an in-process remote.Store with true push
// subscriptions. It backs tests and the CLI's offline development mode, and
// can inject failures to exercise the sync layer's error paths.
package memremote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acksell/portalsync/collection"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
	log "github.com/sirupsen/logrus"
)

// ErrUnreachable is returned by every call while the store is offline.
var ErrUnreachable = errors.New("memremote: unreachable")

type Options struct {
	Collections *collection.Set
	// Now stamps createdAt and updatedAt on writes. Defaults to time.Now.
	Now    func() time.Time
	Logger log.FieldLogger
}

// Store is the in-process remote.
type Store struct {
	collections *collection.Set
	now         func() time.Time
	log         log.FieldLogger

	mu       sync.Mutex
	data     map[string]map[string]record.Record
	watchers map[*watcher]struct{}
	offline  bool
	onCreate func(collection, id string) error
	watchErr error
	creates  int
	lastTS   int64
}

var _ remote.Store = (*Store)(nil)

func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Store{
		collections: opts.Collections,
		now:         opts.Now,
		log:         opts.Logger.WithField("component", "memremote"),
		data:        make(map[string]map[string]record.Record),
		watchers:    make(map[*watcher]struct{}),
	}
}

// SetOffline makes every call fail with ErrUnreachable. Going offline also
// breaks open watchers, as a dropped connection would.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	var broken []*watcher
	if offline {
		for w := range s.watchers {
			broken = append(broken, w)
		}
	}
	s.mu.Unlock()
	for _, w := range broken {
		w.fail(ErrUnreachable)
	}
}

// SetCreateHook installs fn to run before every Create. A non-nil result
// fails the Create with that error.
func (s *Store) SetCreateHook(fn func(collection, id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreate = fn
}

// FailWatch makes subsequent Watch calls fail with err. A nil err restores
// normal behavior.
func (s *Store) FailWatch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchErr = err
}

// BreakWatchers terminates every open watcher with err.
func (s *Store) BreakWatchers(err error) {
	s.mu.Lock()
	var broken []*watcher
	for w := range s.watchers {
		broken = append(broken, w)
	}
	s.mu.Unlock()
	for _, w := range broken {
		w.fail(err)
	}
}

// Creates returns the number of records created so far.
func (s *Store) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Watchers returns the number of open watchers.
func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Store) Create(ctx context.Context, collectionName, id string, rec record.Record) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}
	if id == "" {
		return record.Record{}, remote.Rejected(fmt.Errorf("create %s: id is required", collectionName))
	}

	s.mu.Lock()
	offline, hook := s.offline, s.onCreate
	s.mu.Unlock()
	if offline {
		return record.Record{}, ErrUnreachable
	}
	// The hook runs unlocked so it may block to simulate a slow network.
	if hook != nil {
		if err := hook(collectionName, id); err != nil {
			return record.Record{}, err
		}
	}

	s.mu.Lock()
	coll := s.collection(collectionName)
	if _, exists := coll[id]; exists {
		s.mu.Unlock()
		return record.Record{}, fmt.Errorf("create %s/%s: %w", collectionName, id, remote.ErrAlreadyExists)
	}
	ts := s.timestamp()
	stored := record.Record{ID: id, CreatedAt: ts, UpdatedAt: ts, Fields: clone(rec.Fields)}
	coll[id] = stored
	s.creates++
	s.mu.Unlock()

	s.changed(collectionName, id)
	return stored, nil
}

// Put upserts a record as another client would, stamping updatedAt with the
// store's clock. It returns the stored record.
func (s *Store) Put(ctx context.Context, collectionName string, rec record.Record) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return record.Record{}, ErrUnreachable
	}
	coll := s.collection(collectionName)
	ts := s.timestamp()
	stored := record.Record{ID: rec.ID, CreatedAt: ts, UpdatedAt: ts, Fields: clone(rec.Fields)}
	if old, ok := coll[rec.ID]; ok {
		stored.CreatedAt = old.CreatedAt
	}
	coll[rec.ID] = stored
	s.mu.Unlock()

	s.changed(collectionName, rec.ID)
	return stored, nil
}

func (s *Store) Get(ctx context.Context, collectionName, id string) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return record.Record{}, ErrUnreachable
	}
	r, ok := s.data[collectionName][id]
	if !ok {
		return record.Record{}, fmt.Errorf("get %s/%s: %w", collectionName, id, remote.ErrNotFound)
	}
	return r, nil
}

func (s *Store) Query(ctx context.Context, q remote.Query) ([]record.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, remote.Rejected(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, ErrUnreachable
	}
	return s.query(q), nil
}

func (s *Store) Watch(ctx context.Context, q remote.Query) (remote.Watcher, error) {
	if err := q.Validate(); err != nil {
		return nil, remote.Rejected(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, ErrUnreachable
	}
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	w := &watcher{
		store: s,
		q:     q,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	// The first Next yields the current result.
	w.wake <- struct{}{}
	s.watchers[w] = struct{}{}
	return w, nil
}

// query returns matching records in collection order. Callers hold mu.
func (s *Store) query(q remote.Query) []record.Record {
	recs := []record.Record{}
	for _, r := range s.data[q.Collection] {
		if q.Matches(r) {
			recs = append(recs, r)
		}
	}
	s.collections.Lookup(q.Collection).Sort(recs)
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs
}

func (s *Store) collection(name string) map[string]record.Record {
	coll, ok := s.data[name]
	if !ok {
		coll = make(map[string]record.Record)
		s.data[name] = coll
	}
	return coll
}

// timestamp returns a strictly increasing millisecond timestamp, so every
// write is observably newer than the one before it. Callers hold mu.
func (s *Store) timestamp() int64 {
	ts := s.now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

// changed wakes every watcher whose result may include id.
func (s *Store) changed(collectionName, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if w.q.Collection != collectionName {
			continue
		}
		if w.q.ID != "" && w.q.ID != id {
			continue
		}
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

type watcher struct {
	store *Store
	q     remote.Query
	wake  chan struct{}
	done  chan struct{}

	once sync.Once
	err  error
}

// Next returns the query result as of the latest change. Changes that
// happen between calls are coalesced into one snapshot.
func (w *watcher) Next(ctx context.Context) (remote.Snapshot, error) {
	select {
	case <-w.done:
		return remote.Snapshot{}, w.err
	default:
	}
	select {
	case <-ctx.Done():
		return remote.Snapshot{}, ctx.Err()
	case <-w.done:
		return remote.Snapshot{}, w.err
	case <-w.wake:
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if w.store.offline {
		return remote.Snapshot{}, ErrUnreachable
	}
	return remote.Snapshot{Records: w.store.query(w.q)}, nil
}

func (w *watcher) Close() error {
	w.fail(remote.ErrClosed)
	return nil
}

// fail terminates the watcher. Only the first call has an effect.
func (w *watcher) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
		w.store.mu.Lock()
		delete(w.store.watchers, w)
		w.store.mu.Unlock()
		if !errors.Is(err, remote.ErrClosed) {
			w.store.log.WithError(err).WithField("shape", w.q.Shape()).Debug("watcher terminated")
		}
	})
}

func clone(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
