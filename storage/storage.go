// Package storage provides durable backends for session.Persistence
// (component 8 in the design ledger), mirroring the teacher's hooks/storage
// key-value approach: one JSON-encoded Record per client id.
package storage

import (
	"encoding/json"
	"errors"

	"github.com/arcwire/mqttbroker/session"
)

var ErrNotFound = errors.New("storage: key not found")

// kv is the minimal key-value contract every backend implements; the
// session.Persistence adapter is built once on top of it so the four
// backends only need Get/Set/Delete/Iterate.
type kv interface {
	get(key string) ([]byte, error)
	set(key string, value []byte) error
	delete(key string) error
	iterate(prefix string, visit func(value []byte) error) error
	close() error
}

const recordPrefix = "session_"

// store adapts a kv backend to session.Persistence.
type store struct {
	kv kv
}

func (s *store) Save(rec session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.set(recordPrefix+rec.ClientID, data)
}

func (s *store) Delete(clientID string) error {
	return s.kv.delete(recordPrefix + clientID)
}

func (s *store) LoadAll() ([]session.Record, error) {
	var out []session.Record
	err := s.kv.iterate(recordPrefix, func(value []byte) error {
		var rec session.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Close releases the backend's underlying handle, if any.
func (s *store) Close() error {
	return s.kv.close()
}
