package storage

import (
	"time"

	"go.etcd.io/bbolt"

	"github.com/arcwire/mqttbroker/session"
)

const boltBucket = "mqttbroker"

type boltKV struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if necessary) a boltdb file at path and returns a
// session.Persistence backed by it.
func OpenBolt(path string) (session.Persistence, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 250 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &store{kv: &boltKV{db: db}}, nil
}

func (b *boltKV) get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *boltKV) set(key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), value)
	})
}

func (b *boltKV) delete(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

func (b *boltKV) iterate(prefix string, visit func([]byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(boltBucket)).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && len(k) >= len(p) && string(k[:len(p)]) == prefix; k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltKV) close() error {
	return b.db.Close()
}
