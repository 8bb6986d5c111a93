package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const keyPrefix = "result:"

// Badger is a Cache backed by an embedded badger database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database at dir. An empty dir
// opens an in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: open badger at %q", dir)
	}
	return &Badger{db: db}, nil
}

// Get implements Cache.
func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "cache: badger get")
	}
	return out, true, nil
}

// Set implements Cache. A non-positive ttl stores the entry without expiry.
func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return eris.Wrap(err, "cache: badger set")
	}
	return nil
}

// Purge implements Cache. Badger drops expired keys on its own; Purge
// reclaims value-log space and always reports zero removed entries.
func (b *Badger) Purge(_ context.Context) (int, error) {
	err := b.db.RunValueLogGC(0.5)
	switch {
	case err == nil:
		zap.L().Debug("cache: badger value log compacted")
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
	default:
		return 0, eris.Wrap(err, "cache: badger gc")
	}
	return 0, nil
}

// Close implements Cache.
func (b *Badger) Close() error {
	return b.db.Close()
}
