package localstore

import (
	"context"
	"errors"

	"github.com/acksell/portalsync/metrics"
	"github.com/dgraph-io/badger/v4"
)

// GetMeta returns a bookkeeping value such as a sync cursor. Missing keys
// and storage failures both report found == false.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool) {
	if !s.available() {
		return "", false
	}
	var (
		val   []byte
		found bool
	)
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		metrics.LocalStoreDegradedTotal.WithLabelValues("get_meta").Inc()
		s.log.WithError(err).WithField("key", key).Warn("reading meta failed")
		return "", false
	}
	return string(val), found
}

// SetMeta stores a bookkeeping value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	err := s.update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), []byte(value))
	})
	if err != nil && !errors.Is(err, ErrUnavailable) {
		metrics.LocalStoreDegradedTotal.WithLabelValues("set_meta").Inc()
	}
	return err
}
