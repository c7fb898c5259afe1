// Package flusher replays queued creates against the remote store whenever
// connectivity returns.
//
// A single loop owns the drain: connectivity transitions and enqueue
// notifications that arrive while a drain is running are coalesced into one
// follow-up pass, so overlapping transitions never write an entry twice.
// Entries are written in enqueue order and a transient failure stops the
// cycle, leaving the failed entry and everything after it for the next one.
package flusher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acksell/portalsync/connectivity"
	"github.com/acksell/portalsync/metrics"
	"github.com/acksell/portalsync/mutqueue"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// serverIDNamespace scopes the ids derived from temp ids.
var serverIDNamespace = uuid.MustParse("6f0c5d0e-8a47-4b59-9a3e-54c1d4e0f2a1")

// ServerID returns the remote id a queued entry is written under. It is a
// pure function of the temp id, so replaying an entry whose acknowledgment
// was lost hits ErrAlreadyExists instead of creating a duplicate.
func ServerID(tempID string) string {
	return uuid.NewSHA1(serverIDNamespace, []byte(tempID)).String()
}

type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const defaultWriteTimeout = 30 * time.Second

type Options struct {
	Queue  *mutqueue.Queue
	Remote remote.Store
	// Signal gates draining. A nil Signal is treated as always online.
	Signal *connectivity.Signal
	// WriteTimeout bounds a single remote write.
	WriteTimeout time.Duration
	Logger       log.FieldLogger
}

// Flushed pairs a drained entry with the id it was stored under.
type Flushed struct {
	TempID     string
	ID         string
	Collection string
}

// Result summarizes one drain cycle.
type Result struct {
	Flushed []Flushed
	// Parked lists entries that were marked failed during this cycle.
	Parked []string
	// Err is the failure that stopped the cycle early, if any.
	Err error
}

type Flusher struct {
	queue        *mutqueue.Queue
	remote       remote.Store
	signal       *connectivity.Signal
	writeTimeout time.Duration
	log          log.FieldLogger

	drainMu sync.Mutex // Serializes drain cycles.
	state   atomic.Int32
}

func New(opts Options) *Flusher {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Flusher{
		queue:        opts.Queue,
		remote:       opts.Remote,
		signal:       opts.Signal,
		writeTimeout: opts.WriteTimeout,
		log:          opts.Logger.WithField("component", "flusher"),
	}
}

func (f *Flusher) State() State {
	return State(f.state.Load())
}

// Run drains the queue on every offline to online transition, and on
// enqueue while online, until ctx is done.
func (f *Flusher) Run(ctx context.Context) error {
	var transitions <-chan bool
	if f.signal != nil {
		ch, cancel := f.signal.Subscribe()
		defer cancel()
		transitions = ch
	}

	if f.online() {
		f.drain(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-transitions:
			if online {
				f.drain(ctx)
			}
		case <-f.queue.Notify():
			if f.online() {
				f.drain(ctx)
			}
		}
	}
}

// DrainNow runs one drain cycle immediately, waiting for a running cycle to
// finish first.
func (f *Flusher) DrainNow(ctx context.Context) Result {
	return f.drain(ctx)
}

func (f *Flusher) online() bool {
	return f.signal == nil || f.signal.Online()
}

func (f *Flusher) drain(ctx context.Context) Result {
	f.drainMu.Lock()
	defer f.drainMu.Unlock()
	f.state.Store(int32(Draining))
	defer f.state.Store(int32(Idle))
	metrics.FlushCyclesTotal.Inc()

	var res Result
	pending, err := f.queue.Pending(ctx)
	if err != nil {
		res.Err = err
		f.log.WithError(err).Warn("reading queue failed")
		return res
	}
	if len(pending) == 0 {
		return res
	}
	f.log.WithField("entries", len(pending)).Info("draining queue")

	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if !f.online() {
			res.Err = errOffline
			f.log.Info("went offline, stopping drain")
			return res
		}

		entry := f.log.WithFields(log.Fields{
			"tempID":     e.TempID,
			"collection": e.Collection,
		})
		id, err := f.write(ctx, e)
		switch {
		case err == nil, errors.Is(err, remote.ErrAlreadyExists):
			outcome := metrics.Ok
			if err != nil {
				outcome = metrics.Duplicate
				entry.Info("create was already applied, dropping entry")
			}
			metrics.FlushWritesTotal.WithLabelValues(outcome).Inc()
			if err := f.queue.Remove(ctx, e.TempID); err != nil {
				// The next cycle sees ErrAlreadyExists for this entry.
				res.Err = err
				entry.WithError(err).Warn("removing flushed entry failed")
				return res
			}
			res.Flushed = append(res.Flushed, Flushed{TempID: e.TempID, ID: id, Collection: e.Collection})
			entry.WithField("id", id).Debug("flushed entry")

		case remote.IsPermanent(err):
			metrics.FlushWritesTotal.WithLabelValues(metrics.Rejected).Inc()
			if _, ferr := f.queue.RecordFailure(ctx, e.TempID, err, true); ferr != nil {
				res.Err = ferr
				return res
			}
			res.Parked = append(res.Parked, e.TempID)

		default:
			metrics.FlushWritesTotal.WithLabelValues(metrics.Fail).Inc()
			updated, ferr := f.queue.RecordFailure(ctx, e.TempID, err, false)
			if ferr != nil {
				entry.WithError(ferr).Warn("recording flush failure failed")
			} else if updated.Status == mutqueue.StatusFailed {
				res.Parked = append(res.Parked, e.TempID)
			}
			res.Err = err
			entry.WithError(err).Info("flush failed, stopping drain")
			return res
		}
	}
	return res
}

var errOffline = errors.New("offline")

func (f *Flusher) write(ctx context.Context, e mutqueue.Entry) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
	defer cancel()
	id := ServerID(e.TempID)
	_, err := f.remote.Create(ctx, e.Collection, id, record.Record{ID: id, Fields: e.Payload})
	return id, err
}
