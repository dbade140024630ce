package storage

import (
	"bytes"

	"github.com/cockroachdb/pebble"

	"github.com/arcwire/mqttbroker/session"
)

type pebbleKV struct {
	db *pebble.DB
}

// OpenPebble opens (creating if necessary) a pebble database at path and
// returns a session.Persistence backed by it.
func OpenPebble(path string) (session.Persistence, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &store{kv: &pebbleKV{db: db}}, nil
}

func (p *pebbleKV) get(key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

func (p *pebbleKV) set(key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *pebbleKV) delete(key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *pebbleKV) iterate(prefix string, visit func([]byte) error) error {
	lower := []byte(prefix)
	upper := append([]byte(prefix[:len(prefix)]), 0xFF)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if !bytes.HasPrefix(it.Key(), lower) {
			continue
		}
		if err := visit(append([]byte(nil), it.Value()...)); err != nil {
			return err
		}
	}
	return nil
}

func (p *pebbleKV) close() error {
	return p.db.Close()
}
