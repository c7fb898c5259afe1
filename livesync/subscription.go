package livesync

import (
	"sync"
	"sync/atomic"

	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
)

// Update is a push to a subscriber: the current records of its query.
type Update struct {
	Records []record.Record
	// Resync marks the result of a full resync. It replaces whatever the
	// subscriber shows, even if some records moved backward in time.
	Resync bool
}

// Subscription is a reader's attachment to a live query.
type Subscription struct {
	// Initial is what the local store held when the subscription was
	// opened. It may be empty.
	Initial []record.Record
	Query   remote.Query

	id      uint64
	rec     *Reconciler
	mailbox chan Update
	failed  chan struct{}
	err     error
	closed  atomic.Bool
	once    sync.Once

	// Owned by the reconciler loop once the subscription is attached.
	seen          map[string]int64
	mailboxClosed bool
	failedClosed  bool
}

func newSubscription(id uint64, rec *Reconciler, q remote.Query, initial []record.Record) *Subscription {
	sub := &Subscription{
		Initial: initial,
		Query:   q,
		id:      id,
		rec:     rec,
		mailbox: make(chan Update, 1),
		failed:  make(chan struct{}),
		seen:    make(map[string]int64, len(initial)),
	}
	sub.observe(initial)
	return sub
}

// Updates returns the channel of pushes. It holds at most one undelivered
// update: a reader that falls behind skips to the latest one, never to an
// older one. The channel is closed after Close or when the reconciler stops.
func (s *Subscription) Updates() <-chan Update {
	return s.mailbox
}

// Failed is closed when the remote session behind the subscription fails
// while online. The subscription keeps serving whatever the cache holds, but
// no further pushes arrive until a new Read revives the session.
func (s *Subscription) Failed() <-chan struct{} {
	return s.failed
}

// Err returns the error that failed the session, or nil.
func (s *Subscription) Err() error {
	select {
	case <-s.failed:
		return s.err
	default:
		return nil
	}
}

// Close detaches the subscription. It is safe to call more than once and
// from any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.rec.send(detachMsg{sub: s})
	})
}

// deliver hands u to the subscriber unless it is less fresh than what the
// subscriber already saw. Called only from the reconciler loop.
func (s *Subscription) deliver(u Update) bool {
	if s.mailboxClosed || s.closed.Load() {
		return false
	}
	if !u.Resync && s.staler(u.Records) {
		return false
	}
	if u.Resync {
		clear(s.seen)
	}
	s.observe(u.Records)

	// The loop is the only sender, so after draining the send cannot block.
	select {
	case old := <-s.mailbox:
		u.Resync = u.Resync || old.Resync
	default:
	}
	s.mailbox <- u
	return true
}

// staler reports whether recs holds an older version of any record the
// subscriber already saw.
func (s *Subscription) staler(recs []record.Record) bool {
	for _, r := range recs {
		if seen, ok := s.seen[r.ID]; ok && r.UpdatedAt < seen {
			return true
		}
	}
	return false
}

// fresher reports whether recs holds a record the subscriber has not seen
// at that version.
func (s *Subscription) fresher(recs []record.Record) bool {
	for _, r := range recs {
		if seen, ok := s.seen[r.ID]; !ok || r.UpdatedAt > seen {
			return true
		}
	}
	return false
}

func (s *Subscription) observe(recs []record.Record) {
	for _, r := range recs {
		if cur, ok := s.seen[r.ID]; !ok || r.UpdatedAt > cur {
			s.seen[r.ID] = r.UpdatedAt
		}
	}
}

func (s *Subscription) fail(err error) {
	if !s.failedClosed {
		s.failedClosed = true
		s.err = err
		close(s.failed)
	}
}

func (s *Subscription) closeMailbox() {
	if !s.mailboxClosed {
		s.mailboxClosed = true
		close(s.mailbox)
	}
}
