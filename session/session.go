// Package session implements the per-client-id session store: subscription
// membership, in-flight QoS windows, offline message queueing and packet-id
// allocation, per §4.4.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/arcwire/mqttbroker/packets"
)

// ErrInflightExhausted is returned by AllocatePacketID when all 65535 packet
// identifiers are currently in use by a session.
var ErrInflightExhausted = errors.New("session: inflight window exhausted")

// CloseReason explains why a session's connection was detached.
type CloseReason int

const (
	Graceful CloseReason = iota
	ProtocolError
	KeepaliveTimeout
	MaxRequestSize
	TakeOver
	AuthFailed
	PeerClosed
	IoError
)

func (r CloseReason) String() string {
	switch r {
	case Graceful:
		return "graceful"
	case ProtocolError:
		return "protocol_error"
	case KeepaliveTimeout:
		return "keepalive_timeout"
	case MaxRequestSize:
		return "max_request_size"
	case TakeOver:
		return "take_over"
	case AuthFailed:
		return "auth_failed"
	case PeerClosed:
		return "peer_closed"
	case IoError:
		return "io_error"
	default:
		return "unknown"
	}
}

// suppressesWill reports whether this close reason must not trigger delivery
// of the session's last will.
func (r CloseReason) suppressesWill() bool {
	return r == Graceful || r == TakeOver
}

// InflightState is the acknowledgment stage of an outbound QoS 1/2 delivery.
type InflightState int

const (
	AwaitingPuback InflightState = iota
	AwaitingPubrec
	AwaitingPubcomp
)

// Will is the message a session's owning session store fires on ungraceful
// disconnect.
type Will struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
}

// InflightRecord tracks one outstanding outbound QoS 1/2 delivery.
type InflightRecord struct {
	PacketID uint16
	Packet   *packets.Publish
	State    InflightState
	Created  time.Time
}

// Attachment is the live connection bound to a session; the store calls
// Close on it to force a take-over disconnect, the router calls Deliver to
// hand it a freshly routed message, and the inflight-retry sweep calls
// Redeliver to resend a DUP whose packet id must not change.
type Attachment interface {
	Close(reason CloseReason)
	Deliver(pk *packets.Publish, qos byte) error
	Redeliver(pk *packets.Publish) error
}

// Session is the persistent, per-client-id state tracked across reconnects
// when clean_session=false.
type Session struct {
	mu sync.Mutex

	ClientID     string
	CleanSession bool
	Username     string
	Listener     string
	Will         *Will

	subscriptions map[string]byte
	outbound      map[uint16]*InflightRecord
	inbound       map[uint16]struct{}
	queued        []*packets.Publish

	attach Attachment
}

func newSession(clientID string, cleanSession bool) *Session {
	return &Session{
		ClientID:      clientID,
		CleanSession:  cleanSession,
		subscriptions: make(map[string]byte),
		outbound:      make(map[uint16]*InflightRecord),
		inbound:       make(map[uint16]struct{}),
	}
}

// Connected reports whether a live connection is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attach != nil
}

// Subscribe records a granted subscription.
func (s *Session) Subscribe(filter string, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

// Unsubscribe forgets a subscription. Returns true if it existed.
func (s *Session) Unsubscribe(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return ok
}

// Subscriptions returns a snapshot of the session's current subscriptions.
func (s *Session) Subscriptions() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]byte, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// AllocatePacketID returns the smallest packet id in [1, 65535] not already
// present in the outbound in-flight window, recording a placeholder record
// for it. It fails with ErrInflightExhausted once all 65535 ids are in use.
//
// This scans from 1 on every call rather than the teacher's raw atomic
// increment-and-wrap, because the teacher's NextPacketID does not skip ids
// still awaiting acknowledgment and can hand out a colliding id.
func (s *Session) AllocatePacketID(pk *packets.Publish, state InflightState) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbound) >= 65535 {
		return 0, ErrInflightExhausted
	}
	for id := uint16(1); id != 0; id++ {
		if _, inUse := s.outbound[id]; !inUse {
			s.outbound[id] = &InflightRecord{PacketID: id, Packet: pk, State: state, Created: time.Now()}
			return id, nil
		}
		if id == 65535 {
			break
		}
	}
	return 0, ErrInflightExhausted
}

// SetOutboundState updates the acknowledgment stage of an in-flight id, e.g.
// AwaitingPubrec -> AwaitingPubcomp on receipt of PUBREC.
func (s *Session) SetOutboundState(id uint16, state InflightState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbound[id]
	if !ok {
		return false
	}
	rec.State = state
	return true
}

// ResolveOutbound removes an id from the outbound in-flight window, e.g. on
// PUBACK or PUBCOMP. Returns true if it was present.
func (s *Session) ResolveOutbound(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outbound[id]
	delete(s.outbound, id)
	return ok
}

// OutboundInflight returns a snapshot of the outbound in-flight window,
// ordered oldest-first, for redelivery sweeps.
func (s *Session) OutboundInflight() []*InflightRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InflightRecord, 0, len(s.outbound))
	for _, rec := range s.outbound {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].PacketID < out[j].PacketID
	})
	return out
}

// MarkInbound records an inbound QoS 2 packet id. Returns false if it was
// already present (a duplicate delivery that must not be re-routed).
func (s *Session) MarkInbound(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.inbound[id]
	s.inbound[id] = struct{}{}
	return !existed
}

// ClearInbound drops an inbound QoS 2 packet id on PUBREL.
func (s *Session) ClearInbound(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, id)
}

// Deliver sends pk to this session at the given effective QoS, per the
// "Outbound delivery to a session" rules of §4.5: if a connection is
// attached, it is handed straight to it (which allocates a packet-id and
// tracks outbound_inflight itself for QoS>0); if offline, a clean_session
// client drops the message silently while a persistent one queues it.
func (s *Session) Deliver(pk *packets.Publish, qos byte) error {
	pk.Qos = qos

	s.mu.Lock()
	attach := s.attach
	cleanSession := s.CleanSession
	s.mu.Unlock()

	if attach != nil {
		return attach.Deliver(pk, qos)
	}
	if cleanSession {
		return nil
	}
	s.Enqueue(pk)
	return nil
}

// Redeliver resends pk, an already-allocated inflight record's packet,
// straight to the attached connection without touching packet-id allocation.
// Used by the inflight-retry sweep, where pk.PacketID must stay the one the
// peer is already waiting to acknowledge. It is a no-op if the session is
// currently offline; the record simply waits for the next sweep.
func (s *Session) Redeliver(pk *packets.Publish) error {
	s.mu.Lock()
	attach := s.attach
	s.mu.Unlock()

	if attach == nil {
		return nil
	}
	return attach.Redeliver(pk)
}

// Enqueue appends a message to the offline queue for later delivery once the
// session reattaches. Callers must check CleanSession first: per §4.5, a
// clean-session session drops messages silently while offline rather than
// queueing them.
func (s *Session) Enqueue(pk *packets.Publish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, pk)
}

// DrainQueue removes and returns every message queued while offline.
func (s *Session) DrainQueue() []*packets.Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queued
	s.queued = nil
	return out
}
