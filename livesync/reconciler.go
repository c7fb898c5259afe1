// Package livesync keeps the local store in step with the remote store and
// pushes changes to readers.
//
// A Reconciler runs one event loop that owns every live session. Readers,
// session pumps and the connectivity signal talk to it only through
// messages, so session state needs no locking. A session exists per query
// shape; it is attached to the remote only while online, and torn down when
// its last subscriber closes. Every remote snapshot is merged into the local
// store, and subscribers are pushed the store's view of their query rather
// than the raw snapshot.
package livesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acksell/portalsync/connectivity"
	"github.com/acksell/portalsync/localstore"
	"github.com/acksell/portalsync/metrics"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
	log "github.com/sirupsen/logrus"
)

// ErrStopped is returned by operations that need a running reconciler.
var ErrStopped = errors.New("reconciler stopped")

type Options struct {
	Store  *localstore.Store
	Remote remote.Store
	// Signal gates remote sessions. A nil Signal is treated as always online.
	Signal *connectivity.Signal
	// ResyncAfter, if positive, forces a full resync of a collection when a
	// session starts and its shape was last synced longer ago than this.
	ResyncAfter time.Duration
	Now         func() time.Time
	Logger      log.FieldLogger
}

type sessionState int

const (
	// sessionWaiting sessions start on the next online transition.
	sessionWaiting sessionState = iota
	sessionLive
	// sessionCacheOnly sessions failed; they restart only on a new Read.
	sessionCacheOnly
)

type session struct {
	query  remote.Query
	shape  string
	subs   map[uint64]*Subscription
	state  sessionState
	gen    uint64
	cancel context.CancelFunc
	// last is the most recent view published, handed to late subscribers.
	last []record.Record
}

// Reconciler is the live update bridge between the remote and the local
// store.
type Reconciler struct {
	store       *localstore.Store
	remote      remote.Store
	signal      *connectivity.Signal
	resyncAfter time.Duration
	now         func() time.Time
	log         log.FieldLogger

	inbox   inbox
	nextSub atomic.Uint64
	started atomic.Bool

	// Owned by the loop.
	sessions map[string]*session
	online   bool
}

func New(opts Options) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Reconciler{
		store:       opts.Store,
		remote:      opts.Remote,
		signal:      opts.Signal,
		resyncAfter: opts.ResyncAfter,
		now:         opts.Now,
		log:         opts.Logger.WithField("component", "reconciler"),
		inbox:       inbox{wake: make(chan struct{}, 1)},
		sessions:    make(map[string]*session),
	}
}

type (
	attachMsg struct {
		sub *Subscription
	}
	detachMsg struct {
		sub *Subscription
	}
	publishMsg struct {
		shape   string
		gen     uint64
		records []record.Record
		resync  bool
	}
	failedMsg struct {
		shape string
		gen   uint64
		err   error
	}
	resyncMsg struct {
		collection string
		done       chan struct{}
	}
)

// Run is the event loop. It returns when ctx is done, after closing every
// subscription. A Reconciler runs once; later calls return ErrStopped.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrStopped
	}
	var transitions <-chan bool
	r.online = true
	if r.signal != nil {
		ch, cancel := r.signal.Subscribe()
		defer cancel()
		transitions = ch
		r.online = r.signal.Online()
	}

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case online := <-transitions:
			r.setOnline(ctx, online)
		case <-r.inbox.wake:
			for _, m := range r.inbox.take() {
				r.handle(ctx, m)
			}
		}
	}
}

// send queues m for the loop without blocking. It reports false if the loop
// has exited. Messages sent before Run starts are handled once it does.
func (r *Reconciler) send(m any) bool {
	return r.inbox.post(m)
}

// sendCtx is send that also refuses when ctx is done.
func (r *Reconciler) sendCtx(ctx context.Context, m any) bool {
	if ctx.Err() != nil {
		return false
	}
	return r.send(m)
}

// inbox is the loop's unbounded message queue.
type inbox struct {
	mu      sync.Mutex
	pending []any
	closed  bool
	wake    chan struct{}
}

func (b *inbox) post(m any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.pending = append(b.pending, m)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *inbox) take() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := b.pending
	b.pending = nil
	return ms
}

// close refuses further posts and returns what was never taken.
func (b *inbox) close() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	ms := b.pending
	b.pending = nil
	return ms
}

func (r *Reconciler) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case attachMsg:
		r.attach(ctx, m.sub)
	case detachMsg:
		r.detach(m.sub)
	case publishMsg:
		s, ok := r.sessions[m.shape]
		if !ok || s.gen != m.gen || s.state != sessionLive {
			return
		}
		s.last = m.records
		for _, sub := range s.subs {
			sub.deliver(Update{Records: m.records, Resync: m.resync})
		}
	case failedMsg:
		s, ok := r.sessions[m.shape]
		if !ok || s.gen != m.gen || s.state != sessionLive {
			return
		}
		r.failed(s, m.err)
	case resyncMsg:
		for _, s := range r.sessions {
			if s.query.Collection != m.collection {
				continue
			}
			recs := readShape(ctx, r.store, s.query)
			s.last = recs
			for _, sub := range s.subs {
				sub.deliver(Update{Records: recs, Resync: true})
			}
		}
		close(m.done)
	}
}

func (r *Reconciler) attach(ctx context.Context, sub *Subscription) {
	shape := sub.Query.Shape()
	s, ok := r.sessions[shape]
	if !ok {
		s = &session{
			query: sub.Query,
			shape: shape,
			subs:  make(map[uint64]*Subscription),
		}
		r.sessions[shape] = s
	}
	s.subs[sub.id] = sub

	switch s.state {
	case sessionWaiting:
		if r.online {
			r.start(ctx, s)
		}
	case sessionCacheOnly:
		// A new Read is the only thing that revives a failed session.
		if r.online {
			r.start(ctx, s)
		} else {
			s.state = sessionWaiting
		}
	case sessionLive:
		// The subscriber read the store before attaching and may have missed
		// a publish in between.
		if s.last != nil && sub.fresher(s.last) {
			sub.deliver(Update{Records: s.last})
		}
	}
}

func (r *Reconciler) detach(sub *Subscription) {
	sub.closeMailbox()
	shape := sub.Query.Shape()
	s, ok := r.sessions[shape]
	if !ok {
		return
	}
	delete(s.subs, sub.id)
	if len(s.subs) > 0 {
		return
	}
	r.stop(s, sessionWaiting)
	delete(r.sessions, shape)
	r.log.WithField("shape", shape).Debug("closed session")
}

func (r *Reconciler) setOnline(ctx context.Context, online bool) {
	if online == r.online {
		return
	}
	r.online = online
	for _, s := range r.sessions {
		switch {
		case online && s.state == sessionWaiting:
			r.start(ctx, s)
		case !online && s.state == sessionLive:
			r.stop(s, sessionWaiting)
		}
	}
}

func (r *Reconciler) start(ctx context.Context, s *session) {
	s.gen++
	s.state = sessionLive
	s.last = nil
	pumpCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	metrics.ReconcilerSessions.Inc()

	resync := r.needsResync(ctx, s.shape)
	r.log.WithField("shape", s.shape).WithField("resync", resync).Debug("starting session")
	go r.pump(pumpCtx, s.query, s.gen, resync)
}

func (r *Reconciler) stop(s *session, next sessionState) {
	if s.state == sessionLive {
		s.cancel()
		s.cancel = nil
		metrics.ReconcilerSessions.Dec()
	}
	s.state = next
}

func (r *Reconciler) failed(s *session, err error) {
	if !r.online {
		// A dropped connection while going offline is not a session error;
		// the session resumes on reconnect.
		r.stop(s, sessionWaiting)
		return
	}
	r.stop(s, sessionCacheOnly)
	for _, sub := range s.subs {
		sub.fail(err)
	}
	metrics.ReconcilerErrorsTotal.WithLabelValues(s.query.Collection).Inc()
	r.log.WithError(err).
		WithField("shape", s.shape).
		Warn("subscription failed, serving cached data only")
}

func (r *Reconciler) shutdown() {
	pending := r.inbox.close()

	for shape, s := range r.sessions {
		r.stop(s, sessionWaiting)
		for _, sub := range s.subs {
			sub.closeMailbox()
		}
		delete(r.sessions, shape)
	}
	// Nothing can be sent anymore. Close mailboxes of subscriptions whose
	// attachment never reached the loop.
	for _, m := range pending {
		switch m := m.(type) {
		case attachMsg:
			m.sub.closeMailbox()
		case resyncMsg:
			close(m.done)
		}
	}
}

// needsResync reports whether shape's last sync is older than ResyncAfter.
func (r *Reconciler) needsResync(ctx context.Context, shape string) bool {
	if r.resyncAfter <= 0 {
		return false
	}
	last, ok := lastSynced(ctx, r.store, shape)
	if !ok {
		return false
	}
	return r.now().Sub(last) > r.resyncAfter
}
