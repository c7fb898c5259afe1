// Package localstore is the persistent on-device cache of records.
//
// Records live in one Badger database, one keyspace per collection, with a
// secondary order index per collection and a small meta table for sync
// bookkeeping. The store never fails a reader: storage errors are logged and
// reads behave as if the cache were empty. A nil *Store is a valid, empty,
// read-only cache.
package localstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/acksell/portalsync/collection"
	"github.com/acksell/portalsync/record"
	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// ErrUnavailable is returned by writes against a nil or closed store.
var ErrUnavailable = errors.New("local store unavailable")

const (
	defaultCacheSize = 1024
	// maxConflictRetries bounds retries of a write transaction that lost a
	// conflict against a concurrent writer. Every conflict means some other
	// writer committed, so the bound only guards against a broken database.
	maxConflictRetries = 100
	// maxRecordsPerTxn keeps batches under Badger's transaction size limit.
	maxRecordsPerTxn = 256
)

// Options configures the local store.
type Options struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// InMemory forces in-memory mode even if Path is set.
	InMemory bool
	// Collections defines per-collection ordering. Unknown collections
	// are ordered by updatedAt, newest first.
	Collections *collection.Set
	// CacheSize is the number of decoded records kept in memory.
	CacheSize int
	// Logger receives store and Badger logs. Defaults to the standard logger.
	Logger log.FieldLogger
}

// Store is the local record cache.
type Store struct {
	db          *badger.DB
	collections *collection.Set
	log         log.FieldLogger

	cache *lru.Cache
	// gen is bumped after every committed write, so a reader that loaded
	// from disk before a write does not repopulate the cache with stale data.
	// cacheMu orders a writer's bump and eviction against a reader's check
	// and add.
	cacheMu sync.Mutex
	gen     atomic.Uint64
	closed  atomic.Bool
}

// Open creates or opens the store. Directories are created as needed.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithField("component", "localstore")

	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" || opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	badgerOpts = badgerOpts.WithLogger(badgerLogger{logger})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create record cache: %w", err)
	}

	return &Store{
		db:          db,
		collections: opts.Collections,
		log:         logger,
		cache:       cache,
	}, nil
}

// Close closes the database. Further reads return empty results and writes
// return ErrUnavailable. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Badger exposes the underlying database to sibling packages sharing it
// (the mutation queue keeps its entries in a separate keyspace).
func (s *Store) Badger() *badger.DB {
	if !s.available() {
		return nil
	}
	return s.db
}

// Collections returns the collection definitions the store orders by.
func (s *Store) Collections() *collection.Set {
	if s == nil {
		return nil
	}
	return s.collections
}

func (s *Store) available() bool {
	return s != nil && s.db != nil && !s.closed.Load()
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	if !s.available() {
		return ErrUnavailable
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// invalidate evicts ids of a collection from the record cache after a
// committed write.
func (s *Store) invalidate(collectionName string, ids []string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen.Add(1)
	for _, id := range ids {
		s.cache.Remove(cacheKey(collectionName, id))
	}
}

func (s *Store) purgeCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen.Add(1)
	s.cache.Purge()
}

// cacheLoaded adds a record read from disk to the cache, unless a write
// committed since gen was observed.
func (s *Store) cacheLoaded(ck string, r record.Record, gen uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.gen.Load() == gen {
		s.cache.Add(ck, r)
	}
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	if !s.available() {
		return ErrUnavailable
	}
	return s.db.View(fn)
}

// badgerLogger routes Badger's logs through logrus. Badger is chatty at info
// level, so info is demoted to debug.
type badgerLogger struct {
	log log.FieldLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warningf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf(f, v...) }
