package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/acksell/portalsync/metrics"
	"github.com/acksell/portalsync/record"
	"github.com/dgraph-io/badger/v4"
)

// Put upserts records into a collection. For each id the record with the
// greatest UpdatedAt wins: an incoming record older than the cached copy is
// skipped, so the cache never moves a record backward in time. Fields are
// never merged; the winning record replaces the cached one entirely.
func (s *Store) Put(ctx context.Context, collectionName string, recs ...record.Record) error {
	return s.write(ctx, collectionName, false, recs)
}

// Replace makes recs the whole cached contents of a collection. It is the
// full-resync path and ignores the freshness rule of Put. The new records
// are written before the old ones are pruned, so concurrent readers see the
// old contents, a mix, or the new contents, but never an empty collection
// that was not empty before or after.
func (s *Store) Replace(ctx context.Context, collectionName string, recs ...record.Record) error {
	if err := s.write(ctx, collectionName, true, recs); err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		keep[r.ID] = struct{}{}
	}
	return s.prune(collectionName, keep)
}

func (s *Store) write(ctx context.Context, collectionName string, force bool, recs []record.Record) error {
	if !s.available() {
		return ErrUnavailable
	}
	for _, r := range recs {
		if r.ID == "" {
			return fmt.Errorf("put %s: record id is required", collectionName)
		}
	}
	for start := 0; start < len(recs); start += maxRecordsPerTxn {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+maxRecordsPerTxn, len(recs))
		if err := s.writeBatch(collectionName, force, recs[start:end]); err != nil {
			metrics.LocalStoreDegradedTotal.WithLabelValues("put").Inc()
			return fmt.Errorf("put %s: %w", collectionName, err)
		}
	}
	return nil
}

func (s *Store) writeBatch(collectionName string, force bool, recs []record.Record) error {
	def := s.collections.Lookup(collectionName)
	var written, skipped []string

	err := s.update(func(txn *badger.Txn) error {
		// Reset on every attempt, a conflict retry re-runs this closure.
		written, skipped = written[:0], skipped[:0]

		for _, r := range recs {
			key := recordKey(collectionName, r.ID)

			var old *record.Record
			existing, err := txn.Get(key)
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err == nil {
				if err := existing.Value(func(val []byte) error {
					decoded, err := decodeRecord(val)
					old = &decoded
					return err
				}); err != nil {
					return err
				}
			}

			if old != nil && !force && !r.Newer(*old) {
				skipped = append(skipped, r.ID)
				continue
			}

			// Maintain the order index. Drop the old entry first, the
			// order attribute may have changed.
			if old != nil {
				oldOrder, err := encodeOrderValue(*old, def.Order())
				if err == nil {
					if err := txn.Delete(orderKey(collectionName, oldOrder, old.ID)); err != nil {
						return err
					}
				}
			}
			newOrder, err := encodeOrderValue(r, def.Order())
			if err != nil {
				return err
			}

			data, err := encodeRecord(r)
			if err != nil {
				return err
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
			if err := txn.Set(orderKey(collectionName, newOrder, r.ID), []byte(r.ID)); err != nil {
				return err
			}
			written = append(written, r.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidate(collectionName, written)
	metrics.LocalStoreRecordsWrittenTotal.WithLabelValues(collectionName).Add(float64(len(written)))
	if len(skipped) > 0 {
		metrics.LocalStoreStaleSkippedTotal.WithLabelValues(collectionName).Add(float64(len(skipped)))
		s.log.WithField("collection", collectionName).
			WithField("ids", skipped).
			Debug("skipped records older than cached copy")
	}
	return nil
}

// prune removes every record row and index entry of a collection whose id
// is not in keep.
func (s *Store) prune(collectionName string, keep map[string]struct{}) error {
	keepRows := make(map[string]struct{}, len(keep))
	for id := range keep {
		keepRows[string(recordKey(collectionName, id))] = struct{}{}
	}
	// Index entries first, so GetAll stops listing a row before it goes.
	err := s.deleteWhere(orderPrefix(collectionName), func(_, id []byte) bool {
		_, ok := keep[string(id)]
		return !ok
	})
	if err == nil {
		err = s.deleteWhere(recordPrefix(collectionName), func(key, _ []byte) bool {
			_, ok := keepRows[string(key)]
			return !ok
		})
	}
	if err != nil {
		metrics.LocalStoreDegradedTotal.WithLabelValues("replace").Inc()
		return fmt.Errorf("prune %s: %w", collectionName, err)
	}
	s.purgeCache()
	return nil
}

// deleteWhere deletes the keys under prefix that drop selects, in
// transaction-sized chunks. Only index values are passed to drop; record
// rows get a nil value.
func (s *Store) deleteWhere(prefix []byte, drop func(key, value []byte) bool) error {
	if !s.available() {
		return ErrUnavailable
	}
	indexed := prefix[0] == tableOrder
	seek := prefix
	for {
		var keys [][]byte
		var next []byte
		err := s.view(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = indexed
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				if len(keys) >= maxRecordsPerTxn*2 {
					next = it.Item().KeyCopy(nil)
					break
				}
				key := it.Item().KeyCopy(nil)
				var val []byte
				if indexed {
					v, err := it.Item().ValueCopy(nil)
					if err != nil {
						return err
					}
					val = v
				}
				if drop(key, val) {
					keys = append(keys, key)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.update(func(txn *badger.Txn) error {
				for _, k := range keys {
					if err := txn.Delete(k); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		seek = next
	}
}

// GetAll returns up to limit records of a collection in the collection's
// order. A limit of zero or less returns everything. It never fails: a
// storage error is logged and yields an empty slice.
func (s *Store) GetAll(ctx context.Context, collectionName string, limit int) []record.Record {
	recs := []record.Record{}
	if !s.available() {
		return recs
	}
	def := s.collections.Lookup(collectionName)
	prefix := orderPrefix(collectionName)

	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = !def.Ascending
		// Values in the index are tiny ids.
		opts.PrefetchSize = 64

		it := txn.NewIterator(opts)
		defer it.Close()

		if opts.Reverse {
			it.Seek(incrementBytes(prefix))
		} else {
			it.Seek(prefix)
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, found, err := getInTxn(txn, collectionName, string(id))
			if err != nil {
				return err
			}
			if !found {
				// Index entry without a row; tolerate it rather than fail the read.
				continue
			}
			recs = append(recs, r)
			if limit > 0 && len(recs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		s.degraded("get_all", collectionName, err)
		return []record.Record{}
	}
	return recs
}

// Get looks up a single record. Absent records, and any storage failure,
// report found == false.
func (s *Store) Get(ctx context.Context, collectionName, id string) (record.Record, bool) {
	if !s.available() {
		return record.Record{}, false
	}
	ck := cacheKey(collectionName, id)
	if v, ok := s.cache.Get(ck); ok {
		return v.(record.Record), true
	}

	gen := s.gen.Load()
	var (
		r     record.Record
		found bool
	)
	err := s.view(func(txn *badger.Txn) error {
		var err error
		r, found, err = getInTxn(txn, collectionName, id)
		return err
	})
	if err != nil {
		s.degraded("get", collectionName, err)
		return record.Record{}, false
	}
	if found {
		s.cacheLoaded(ck, r, gen)
	}
	return r, found
}

// Count returns the number of records cached for a collection.
func (s *Store) Count(ctx context.Context, collectionName string) int {
	if !s.available() {
		return 0
	}
	prefix := recordPrefix(collectionName)
	var n int
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		s.degraded("count", collectionName, err)
		return 0
	}
	return n
}

func getInTxn(txn *badger.Txn, collectionName, id string) (record.Record, bool, error) {
	item, err := txn.Get(recordKey(collectionName, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}
	var r record.Record
	err = item.Value(func(val []byte) error {
		r, err = decodeRecord(val)
		return err
	})
	if err != nil {
		return record.Record{}, false, err
	}
	return r, true, nil
}

func (s *Store) degraded(op, collectionName string, err error) {
	metrics.LocalStoreDegradedTotal.WithLabelValues(op).Inc()
	s.log.WithError(err).
		WithField("op", op).
		WithField("collection", collectionName).
		Warn("local store read failed, serving empty cache")
}

func cacheKey(collectionName, id string) string {
	return collectionName + "\x00" + id
}
