// Package remote defines the capability the sync layer needs from the
// remote document store, independent of the backend serving it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/acksell/portalsync/record"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by Create when a record with the same id
	// is already stored.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrRejected marks failures that will not succeed on retry, such as
	// validation or permission errors.
	ErrRejected = errors.New("rejected by remote")
	// ErrClosed is returned by Next after the watcher was closed.
	ErrClosed = errors.New("watcher closed")
)

// IsPermanent reports whether retrying the failed operation is pointless.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Rejected wraps err as a permanent failure.
func Rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// Query selects records of one collection. A non-empty ID selects a single
// record. Limit caps list queries; zero means no limit.
type Query struct {
	Collection string
	ID         string
	Limit      int
}

// Shape identifies the query for session deduplication and sync
// bookkeeping. Equal queries have equal shapes.
func (q Query) Shape() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	if q.ID != "" {
		b.WriteString("/")
		b.WriteString(q.ID)
	}
	if q.Limit > 0 {
		b.WriteString("?limit=")
		b.WriteString(strconv.Itoa(q.Limit))
	}
	return b.String()
}

// Matches reports whether r belongs to the result of q, ignoring Limit.
func (q Query) Matches(r record.Record) bool {
	return q.ID == "" || q.ID == r.ID
}

func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("query: collection is required")
	}
	if q.Limit < 0 {
		return fmt.Errorf("query %s: negative limit", q.Shape())
	}
	return nil
}

// Snapshot is the current result of a watched query.
type Snapshot struct {
	Records []record.Record
}

// Store is the remote document store.
type Store interface {
	// Create writes a new record under id. It fails with ErrAlreadyExists
	// if id is taken, which makes replaying a create safe.
	Create(ctx context.Context, collection, id string, rec record.Record) (record.Record, error)
	Get(ctx context.Context, collection, id string) (record.Record, error)
	// Query returns the records matching q in the collection's order.
	Query(ctx context.Context, q Query) ([]record.Record, error)
	// Watch opens a push subscription for q. The first snapshot carries the
	// current result; later ones follow every change.
	Watch(ctx context.Context, q Query) (Watcher, error)
}

// Watcher yields snapshots of a watched query.
type Watcher interface {
	// Next blocks until a snapshot is available, the watcher fails, or ctx
	// is done. Errors other than ctx errors are terminal.
	Next(ctx context.Context) (Snapshot, error)
	Close() error
}
