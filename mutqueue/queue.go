// Package mutqueue is the durable queue of create operations that have not
// been confirmed by the remote store yet.
//
// Entries are persisted in the local store's database under their own
// keyspace, keyed by a monotonic ULID so that key order is enqueue order.
// Enqueue never touches the network. Once an entry is created it belongs to
// the flusher; the caller only renders it optimistically under its
// temporary id.
package mutqueue

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acksell/portalsync/localstore"
	"github.com/acksell/portalsync/metrics"
	"github.com/acksell/portalsync/record"
	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
)

// TempIDPrefix marks ids minted locally. Remote ids never carry it.
const TempIDPrefix = "tmp_"

var queuePrefix = []byte{'q', 0x00}

// ErrNotFound is returned for operations on an unknown temp id.
var ErrNotFound = errors.New("queue entry not found")

type Status string

const (
	StatusPending Status = "pending"
	// StatusFailed entries are parked: the flusher skips them until Retry.
	StatusFailed Status = "failed"
)

// Entry is one pending create.
type Entry struct {
	TempID     string         `json:"tempId"`
	Collection string         `json:"collection"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt int64          `json:"enqueuedAt"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts,omitempty"`
	LastError  string         `json:"lastError,omitempty"`
}

// Options configures a Queue.
type Options struct {
	// MaxAttempts is the number of failed flush attempts after which an
	// entry is parked as failed. Zero means entries retry forever.
	MaxAttempts int
	Now         func() time.Time
	Logger      log.FieldLogger
}

// Queue is the mutation queue.
type Queue struct {
	store       *localstore.Store
	maxAttempts int
	now         func() time.Time
	log         log.FieldLogger
	notify      chan struct{}

	mu      sync.Mutex // Guards entropy and lastMs.
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
}

func New(store *localstore.Store, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	q := &Queue{
		store:       store,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		log:         opts.Logger.WithField("component", "mutqueue"),
		notify:      make(chan struct{}, 1),
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	q.lastMs = q.newestMs()
	return q
}

// newestMs returns a timestamp past the newest persisted entry, so ids
// minted after a restart sort after it even if the clock went backward.
func (q *Queue) newestMs() uint64 {
	db := q.store.Badger()
	if db == nil {
		return 0
	}
	var newest uint64
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// ULID text is Crockford base32, every byte sorts below 0xFF.
		it.Seek(append(append([]byte{}, queuePrefix...), 0xFF))
		if !it.ValidForPrefix(queuePrefix) {
			return nil
		}
		id, err := ulid.ParseStrict(string(it.Item().Key()[len(queuePrefix):]))
		if err != nil {
			return err
		}
		newest = id.Time() + 1
		return nil
	})
	if err != nil {
		q.log.WithError(err).Warn("reading newest queue entry failed")
		return 0
	}
	return newest
}

// Notify returns a channel that receives a value after entries become
// ready to flush. Signals are coalesced.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue persists a new pending create and returns its temporary id.
func (q *Queue) Enqueue(ctx context.Context, collectionName string, payload map[string]any) (string, error) {
	if collectionName == "" {
		return "", fmt.Errorf("enqueue: collection is required")
	}
	now := q.now()
	id, err := q.nextID(now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	e := Entry{
		TempID:     TempIDPrefix + id.String(),
		Collection: collectionName,
		Payload:    clonePayload(payload),
		EnqueuedAt: now.UnixMilli(),
		Status:     StatusPending,
	}
	if err := q.put(e); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", collectionName, err)
	}
	q.log.WithFields(log.Fields{
		"collection": collectionName,
		"tempID":     e.TempID,
	}).Debug("enqueued create")
	q.signal()
	q.refreshDepth(ctx)
	return e.TempID, nil
}

// nextID mints a ULID that sorts after every previously minted one, even if
// the wall clock steps backward.
func (q *Queue) nextID(now time.Time) (ulid.ULID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ms := ulid.Timestamp(now)
	if ms < q.lastMs {
		ms = q.lastMs
	}
	id, err := ulid.New(ms, q.entropy)
	if err != nil {
		return ulid.ULID{}, err
	}
	q.lastMs = ms
	return id, nil
}

// Get returns a single entry.
func (q *Queue) Get(ctx context.Context, tempID string) (Entry, error) {
	key, err := entryKey(tempID)
	if err != nil {
		return Entry{}, err
	}
	db := q.store.Badger()
	if db == nil {
		return Entry{}, localstore.ErrUnavailable
	}
	var e Entry
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e, err = decodeEntry(val)
			return err
		})
	})
	return e, err
}

// Pending returns entries awaiting a flush, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, StatusPending)
}

// Failed returns parked entries, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, StatusFailed)
}

// All returns every entry regardless of status, oldest first.
func (q *Queue) All(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, "")
}

// Len returns the number of entries of any status. Storage failures count
// as an empty queue.
func (q *Queue) Len(ctx context.Context) int {
	all, err := q.All(ctx)
	if err != nil {
		return 0
	}
	return len(all)
}

func (q *Queue) list(ctx context.Context, status Status) ([]Entry, error) {
	db := q.store.Badger()
	if db == nil {
		return nil, localstore.ErrUnavailable
	}
	var entries []Entry
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(queuePrefix); it.ValidForPrefix(queuePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				var err error
				e, err = decodeEntry(val)
				return err
			}); err != nil {
				return err
			}
			if status == "" || e.Status == status {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return entries, nil
}

// Remove deletes an entry after the remote confirmed it. Removing an entry
// that is already gone is not an error.
func (q *Queue) Remove(ctx context.Context, tempID string) error {
	if err := q.delete(tempID); err != nil {
		return fmt.Errorf("remove %s: %w", tempID, err)
	}
	q.refreshDepth(ctx)
	return nil
}

// Discard drops a parked entry for good.
func (q *Queue) Discard(ctx context.Context, tempID string) error {
	if _, err := q.Get(ctx, tempID); err != nil {
		return err
	}
	if err := q.delete(tempID); err != nil {
		return fmt.Errorf("discard %s: %w", tempID, err)
	}
	q.log.WithField("tempID", tempID).Info("discarded queue entry")
	q.refreshDepth(ctx)
	return nil
}

// RecordFailure notes a failed flush attempt. Permanent failures, and
// entries that exhausted MaxAttempts, are parked as failed.
func (q *Queue) RecordFailure(ctx context.Context, tempID string, cause error, permanent bool) (Entry, error) {
	e, err := q.modify(ctx, tempID, func(e *Entry) {
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		if permanent || (q.maxAttempts > 0 && e.Attempts >= q.maxAttempts) {
			e.Status = StatusFailed
		}
	})
	if err != nil {
		return Entry{}, err
	}
	if e.Status == StatusFailed {
		q.log.WithFields(log.Fields{
			"tempID":     e.TempID,
			"collection": e.Collection,
			"attempts":   e.Attempts,
			"permanent":  permanent,
		}).WithError(cause).Warn("queue entry parked as failed")
	}
	return e, nil
}

// Retry returns a parked entry to the pending state with a fresh attempt
// budget.
func (q *Queue) Retry(ctx context.Context, tempID string) error {
	if _, err := q.modify(ctx, tempID, func(e *Entry) {
		e.Status = StatusPending
		e.Attempts = 0
		e.LastError = ""
	}); err != nil {
		return err
	}
	q.signal()
	return nil
}

func (q *Queue) modify(ctx context.Context, tempID string, fn func(*Entry)) (Entry, error) {
	key, err := entryKey(tempID)
	if err != nil {
		return Entry{}, err
	}
	db := q.store.Badger()
	if db == nil {
		return Entry{}, localstore.ErrUnavailable
	}
	var e Entry
	err = db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			e, err = decodeEntry(val)
			return err
		}); err != nil {
			return err
		}
		fn(&e)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("update %s: %w", tempID, err)
	}
	q.refreshDepth(ctx)
	return e, nil
}

func (q *Queue) put(e Entry) error {
	key, err := entryKey(e.TempID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	db := q.store.Badger()
	if db == nil {
		return localstore.ErrUnavailable
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (q *Queue) delete(tempID string) error {
	key, err := entryKey(tempID)
	if err != nil {
		return err
	}
	db := q.store.Badger()
	if db == nil {
		return localstore.ErrUnavailable
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) refreshDepth(ctx context.Context) {
	all, err := q.All(ctx)
	if err != nil {
		return
	}
	var pending, failed int
	for _, e := range all {
		if e.Status == StatusFailed {
			failed++
		} else {
			pending++
		}
	}
	metrics.QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(pending))
	metrics.QueueDepth.WithLabelValues(string(StatusFailed)).Set(float64(failed))
}

// IsTempID reports whether id was minted by Enqueue.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

func entryKey(tempID string) ([]byte, error) {
	if !IsTempID(tempID) {
		return nil, fmt.Errorf("%q is not a queue temp id", tempID)
	}
	return append(append([]byte{}, queuePrefix...), strings.TrimPrefix(tempID, TempIDPrefix)...), nil
}

func decodeEntry(data []byte) (Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Entry
	if err := dec.Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("decode queue entry: %w", err)
	}
	for k, v := range e.Payload {
		e.Payload[k] = record.Normalize(v)
	}
	return e, nil
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
