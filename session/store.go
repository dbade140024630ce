package session

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jinzhu/copier"

	"github.com/arcwire/mqttbroker/packets"
)

const numShards = 16

// Persistence is the optional durable backing for sessions (component 8 in
// the design ledger). Implementations live in the storage package.
type Persistence interface {
	Save(rec Record) error
	Delete(clientID string) error
	LoadAll() ([]Record, error)
}

// InflightSnapshot is the persisted form of an InflightRecord.
type InflightSnapshot struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	Qos      byte
	State    InflightState
}

// Record is the persisted form of a Session, written by a Persistence
// implementation on session-affecting transitions and read back once at
// startup to restore clean_session=false clients.
type Record struct {
	ClientID      string
	CleanSession  bool
	Username      string
	Listener      string
	Will          *Will
	Subscriptions map[string]byte
	Inflight      []InflightSnapshot
}

// shard is one lock-partitioned slice of the session table, selected by a
// hash of client id so that no single mutex serializes every connection.
type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Store is the broker-wide keyed-by-client-id session table.
type Store struct {
	shards      [numShards]*shard
	persistence Persistence
}

// NewStore returns an empty Store. persistence may be nil, in which case
// sessions are held in memory only and do not survive a restart.
func NewStore(persistence Persistence) *Store {
	st := &Store{persistence: persistence}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return st
}

// Restore loads sessions from the configured Persistence, if any, so that a
// restart can resurrect clean_session=false clients before Serve begins
// accepting connections.
func (st *Store) Restore() error {
	if st.persistence == nil {
		return nil
	}
	records, err := st.persistence.LoadAll()
	if err != nil {
		return err
	}
	for _, rec := range records {
		sess := newSession(rec.ClientID, rec.CleanSession)
		sess.Username = rec.Username
		sess.Listener = rec.Listener
		if rec.Will != nil {
			will := &Will{}
			copier.CopyWithOption(will, rec.Will, copier.Option{DeepCopy: true})
			sess.Will = will
		}
		for filter, qos := range rec.Subscriptions {
			sess.subscriptions[filter] = qos
		}
		for _, snap := range rec.Inflight {
			pub := &packets.Publish{TopicName: snap.Topic, Payload: append([]byte(nil), snap.Payload...), PacketID: snap.PacketID}
			pub.Qos = snap.Qos
			sess.outbound[snap.PacketID] = &InflightRecord{PacketID: snap.PacketID, Packet: pub, State: snap.State}
		}
		st.shardFor(rec.ClientID).sessions[rec.ClientID] = sess
	}
	return nil
}

func (st *Store) shardFor(clientID string) *shard {
	h := xxhash.Sum64String(clientID)
	return st.shards[h%numShards]
}

// Open attaches a new connection to clientID's session, per §4.4. If a
// session is already attached it is force-closed with reason TakeOver first.
// clean_session=1 discards any prior session; otherwise the persisted
// session (if any) is returned with present=true.
func (st *Store) Open(clientID string, cleanSession bool, attach Attachment) (sess *Session, tookOver, present bool) {
	sh := st.shardFor(clientID)
	sh.mu.Lock()

	var prior Attachment
	existing, ok := sh.sessions[clientID]
	if ok && existing.Connected() {
		existing.mu.Lock()
		prior = existing.attach
		existing.attach = nil
		existing.mu.Unlock()
		tookOver = true
	}

	if cleanSession {
		delete(sh.sessions, clientID)
		ok = false
	}

	if ok {
		sess = existing
		present = true
	} else {
		sess = newSession(clientID, cleanSession)
		sh.sessions[clientID] = sess
	}

	sess.mu.Lock()
	sess.attach = attach
	sess.mu.Unlock()
	sh.mu.Unlock()

	// prior.Close must run with the shard unlocked: it is the live
	// connection's own Close, which calls back into Store.Close on the
	// same shard. Store.Close's attach identity check makes this a no-op
	// against the session this Open just attached to.
	if prior != nil {
		prior.Close(TakeOver)
	}
	return sess, tookOver, present
}

// Close detaches clientID's connection, provided attach is still the
// session's currently attached connection. A stale call from a connection
// that Open has already superseded via take-over is a no-op: it must not
// clobber the newer connection's attachment. If clean_session, the session
// is erased outright; otherwise subscriptions, outbound_inflight and the
// offline queue are preserved for a future Open. It returns the session's
// will if reason warrants firing it (any reason other than Graceful or
// TakeOver), so the caller can route it through the topic trie — the store
// itself does not depend on the router. When clean_session erases the
// session, it also returns the filters that session was subscribed to: per
// §3's "the topic trie holds client-id references into the session store",
// the caller must remove every one of them from the trie, or a later client
// reusing clientID inherits phantom subscriptions it never made.
func (st *Store) Close(clientID string, attach Attachment, reason CloseReason) (will *Will, shouldFire bool, erasedFilters []string) {
	sh := st.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[clientID]
	if !ok {
		return nil, false, nil
	}

	sess.mu.Lock()
	if sess.attach != attach {
		sess.mu.Unlock()
		return nil, false, nil
	}
	sess.attach = nil
	w := sess.Will
	cleanSession := sess.CleanSession
	sess.mu.Unlock()

	if cleanSession {
		delete(sh.sessions, clientID)
		for filter := range sess.Subscriptions() {
			erasedFilters = append(erasedFilters, filter)
		}
	}

	if st.persistence != nil && !cleanSession {
		st.persist(sess)
	} else if st.persistence != nil && cleanSession {
		st.persistence.Delete(clientID)
	}

	if !reason.suppressesWill() && w != nil {
		return w, true, erasedFilters
	}
	return nil, false, erasedFilters
}

// Get returns clientID's session, if one exists.
func (st *Store) Get(clientID string) (*Session, bool) {
	sh := st.shardFor(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[clientID]
	return sess, ok
}

// Persist writes clientID's current session state through the configured
// Persistence, if any. The broker package does not call it: a
// clean_session=false session is written only when Close detaches it, so
// subscribe/unsubscribe/ack changes made while connected reach the
// Persistence at that point and not before.
func (st *Store) Persist(clientID string) {
	if st.persistence == nil {
		return
	}
	sess, ok := st.Get(clientID)
	if !ok {
		return
	}
	st.persist(sess)
}

func (st *Store) persist(sess *Session) {
	sess.mu.Lock()
	rec := Record{
		ClientID:      sess.ClientID,
		CleanSession:  sess.CleanSession,
		Username:      sess.Username,
		Listener:      sess.Listener,
		Subscriptions: make(map[string]byte, len(sess.subscriptions)),
	}
	if sess.Will != nil {
		will := &Will{}
		copier.CopyWithOption(will, sess.Will, copier.Option{DeepCopy: true})
		rec.Will = will
	}
	for filter, qos := range sess.subscriptions {
		rec.Subscriptions[filter] = qos
	}
	for id, ir := range sess.outbound {
		rec.Inflight = append(rec.Inflight, InflightSnapshot{
			PacketID: id,
			Topic:    ir.Packet.TopicName,
			Payload:  append([]byte(nil), ir.Packet.Payload...),
			Qos:      ir.Packet.Qos,
			State:    ir.State,
		})
	}
	sess.mu.Unlock()

	st.persistence.Save(rec)
}

// ClientIDs returns every client id currently held by the store, connected
// or not. Used by the broker orchestrator's inflight-redelivery sweep.
func (st *Store) ClientIDs() []string {
	var out []string
	for _, sh := range st.shards {
		sh.mu.RLock()
		for id := range sh.sessions {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len reports the number of sessions currently held, connected or not.
func (st *Store) Len() int {
	n := 0
	for _, sh := range st.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
