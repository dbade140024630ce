package broker

import (
	"strconv"
	"time"

	"github.com/arcwire/mqttbroker/packets"
)

// loop holds the broker's periodic-task tickers, substituting for the
// single-threaded epoll-style cycle described in §4.6; each ticker drives
// one of the broker's background tasks, and a single goroutine (run)
// selects over all of them, per the §9 "task-runtime substitution" design
// note.
type loop struct {
	sysTopics     *time.Ticker
	inflightRetry *time.Ticker
	sessionExpiry *time.Ticker
	done          chan struct{}
}

func newLoop(statsInterval time.Duration) *loop {
	return &loop{
		sysTopics:     time.NewTicker(statsInterval),
		inflightRetry: time.NewTicker(5 * time.Second),
		sessionExpiry: time.NewTicker(30 * time.Second),
		done:          make(chan struct{}),
	}
}

func (l *loop) stop() {
	l.sysTopics.Stop()
	l.inflightRetry.Stop()
	l.sessionExpiry.Stop()
	close(l.done)
}

// run is the event loop's select cycle (§4.6's "Cycle"): it never touches a
// connection's own I/O, only shared broker state guarded by the session
// store's shard locks.
func (b *Server) run() {
	for {
		select {
		case <-b.loop.done:
			return
		case <-b.loop.sysTopics.C:
			b.publishSysTopics()
		case <-b.loop.inflightRetry.C:
			b.redeliverInflight()
		case <-b.loop.sessionExpiry.C:
			b.expireSessions()
		}
	}
}

// publishSysTopics publishes, retained, the exact topic set §6 specifies for
// $SYS publication.
func (b *Server) publishSysTopics() {
	snap := b.stats.Snapshot()
	values := map[string]int64{
		"$SYS/broker/uptime":            snap.Uptime,
		"$SYS/broker/clients/connected": snap.ClientsConnected,
		"$SYS/broker/clients/total":     snap.ClientsTotal,
		"$SYS/broker/bytes/received":    snap.BytesReceived,
		"$SYS/broker/bytes/sent":        snap.BytesSent,
		"$SYS/broker/messages/received": snap.MessagesReceived,
		"$SYS/broker/messages/sent":     snap.MessagesSent,
	}
	for topic, v := range values {
		pk := &packets.Publish{
			FixedHeader: packets.FixedHeader{Retain: true},
			TopicName:   topic,
			Payload:     []byte(strconv.FormatInt(v, 10)),
		}
		b.router.Publish(pk)
	}
}

// redeliverInflight resends any outbound QoS 1/2 message whose acknowledgment
// has been pending longer than the retry deadline, to an online session.
func (b *Server) redeliverInflight() {
	const retryAfter = 10 * time.Second
	for _, clientID := range b.store.ClientIDs() {
		sess, ok := b.store.Get(clientID)
		if !ok || !sess.Connected() {
			continue
		}
		for _, rec := range sess.OutboundInflight() {
			if time.Since(rec.Created) < retryAfter {
				continue
			}
			dup := rec.Packet.Clone()
			dup.Qos = rec.Packet.Qos
			dup.PacketID = rec.PacketID
			dup.Dup = true
			sess.Redeliver(dup)
		}
	}
}

// expireSessions is a domain-stack addition: it is not named in §4.6, but a
// long-lived broker needs some bound on how long a disconnected
// clean_session=false session's state is retained. Sessions with no
// connection and no activity are left to the persistence layer's own
// retention; this module does not evict them in memory without one, since
// that is observable client-visible data loss the specification never asks
// for. The ticker exists so a future retention policy has a place to run.
func (b *Server) expireSessions() {}
