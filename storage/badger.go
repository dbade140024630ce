package storage

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/arcwire/mqttbroker/session"
)

type badgerKV struct {
	db *badger.DB
}

// OpenBadger opens (creating if necessary) a badger database at path and
// returns a session.Persistence backed by it.
func OpenBadger(path string) (session.Persistence, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &store{kv: &badgerKV{db: db}}, nil
}

func (b *badgerKV) get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

func (b *badgerKV) set(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *badgerKV) delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerKV) iterate(prefix string, visit func([]byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				return visit(append([]byte(nil), v...))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerKV) close() error {
	return b.db.Close()
}
