// Package broker implements the connection finite-state machine and the
// broker orchestrator that binds it to the topic trie, session store and
// authentication hook, per §4.5-§4.7.
package broker

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/arcwire/mqttbroker/auth"
	"github.com/arcwire/mqttbroker/packets"
	"github.com/arcwire/mqttbroker/session"
)

type connState int32

const (
	awaitingConnect connState = iota
	connectedState
	closingState
)

const defaultOutboundQueue = 256

// Conn is one TCP client connection and its associated finite-state
// machine: AwaitingConnect -> Connected -> Closing.
type Conn struct {
	id       string
	listener string
	nc       net.Conn
	reader   *bufio.Reader

	store  *session.Store
	router *Router
	authn  auth.Authenticator
	stats  *Stats

	maxPacketSize     int
	outboundHighwater int
	keepaliveGrace    float64

	sess         *session.Session
	clientID     string
	username     string
	cleanSession bool
	keepalive    uint16

	state atomic.Int32

	outboundCh  chan []byte
	outboundLen atomic.Int64
	closeOnce   sync.Once
	done        chan struct{}
}

// NewConn prepares a connection; call Serve to run its read loop.
func NewConn(nc net.Conn, listener string, store *session.Store, router *Router, authn auth.Authenticator, stats *Stats, maxPacketSize, outboundHighwater int) *Conn {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c := &Conn{
		id:                xid.New().String(),
		listener:          listener,
		nc:                nc,
		reader:            bufio.NewReader(nc),
		store:             store,
		router:            router,
		authn:             authn,
		stats:             stats,
		maxPacketSize:     maxPacketSize,
		outboundHighwater: outboundHighwater,
		keepaliveGrace:    1.5,
		outboundCh:        make(chan []byte, defaultOutboundQueue),
		done:              make(chan struct{}),
	}
	c.state.Store(int32(awaitingConnect))
	return c
}

// Serve runs the connection until it closes, per §4.5. It never returns an
// error the caller must act on; all failures end in Close.
func (c *Conn) Serve() {
	go c.writeLoop()

	pk, err := c.readConnect()
	if err != nil {
		if err == packets.ErrUnsupportedProtocolVersion {
			c.writePacket(&packets.Connack{ReturnCode: packets.CodeConnectBadProtocolVersion})
		}
		c.Close(reasonForConnectError(err))
		return
	}

	if !c.handleConnect(pk) {
		return
	}

	for {
		c.refreshDeadline()
		fh, body, err := c.readPacket()
		if err != nil {
			c.Close(ioOrPeerReason(err))
			return
		}
		if !c.dispatch(fh, body) {
			return
		}
	}
}

func (c *Conn) refreshDeadline() {
	if c.keepalive == 0 {
		c.nc.SetReadDeadline(time.Time{})
		return
	}
	grace := time.Duration(float64(c.keepalive) * c.keepaliveGrace * float64(time.Second))
	c.nc.SetReadDeadline(time.Now().Add(grace))
}

func (c *Conn) readConnect() (*packets.Connect, error) {
	fh, body, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	if fh.Type != packets.TypeConnect {
		return nil, packets.ErrProtocolViolation
	}
	pk, err := packets.Decode(fh, body)
	if err != nil {
		return nil, err
	}
	cn, ok := pk.(*packets.Connect)
	if !ok {
		return nil, packets.ErrProtocolViolation
	}
	return cn, nil
}

func (c *Conn) readPacket() (packets.FixedHeader, []byte, error) {
	var fh packets.FixedHeader
	if err := packets.ReadFixedHeader(c.reader, &fh); err != nil {
		return fh, nil, err
	}
	if fh.Remaining > c.maxPacketSize {
		return fh, nil, errMaxPacketSize
	}
	body := make([]byte, fh.Remaining)
	n := 0
	for n < len(body) {
		m, err := c.reader.Read(body[n:])
		n += m
		if err != nil {
			return fh, nil, err
		}
	}
	if c.stats != nil {
		c.stats.AddBytesReceived(n + 2)
	}
	return fh, body, nil
}

// handleConnect authenticates and attaches the session, per AwaitingConnect
// in §4.5. Returns false if the connection was closed as part of handling.
func (c *Conn) handleConnect(pk *packets.Connect) bool {
	c.clientID = pk.ClientIdentifier
	if c.clientID == "" {
		c.clientID = xid.New().String()
	}
	c.username = pk.Username
	c.cleanSession = pk.CleanSession
	c.keepalive = pk.Keepalive

	result := c.authn.Authenticate(c.clientID, pk.Username, string(pk.Password))
	if result != auth.Accept {
		code := byte(packets.CodeConnectNotAuthorised)
		if result == auth.BadUserOrPass {
			code = packets.CodeConnectBadAuthValues
		}
		c.writePacket(&packets.Connack{ReturnCode: code})
		c.Close(session.AuthFailed)
		return false
	}

	sess, _, present := c.store.Open(c.clientID, c.cleanSession, c)
	sess.Username = c.username
	sess.Listener = c.listener
	if pk.WillFlag {
		sess.Will = &session.Will{Topic: pk.WillTopic, Payload: pk.WillMessage, Qos: pk.WillQos, Retain: pk.WillRetain}
	}
	c.sess = sess

	c.state.Store(int32(connectedState))
	if c.stats != nil {
		c.stats.ClientConnected()
	}

	if err := c.writePacket(&packets.Connack{ReturnCode: packets.Accepted, SessionPresent: present}); err != nil {
		c.Close(session.IoError)
		return false
	}

	if present {
		for _, rec := range sess.OutboundInflight() {
			dup := rec.Packet.Clone()
			dup.Qos = rec.Packet.Qos
			dup.PacketID = rec.PacketID
			dup.Dup = true
			c.writePacket(dup)
		}
	}
	for _, queued := range sess.DrainQueue() {
		c.Deliver(queued, queued.Qos)
	}

	return true
}

// dispatch handles one Connected-state packet. Returns false if the
// connection was closed while handling it.
func (c *Conn) dispatch(fh packets.FixedHeader, body []byte) bool {
	pk, err := packets.Decode(fh, body)
	if err != nil {
		c.Close(session.ProtocolError)
		return false
	}

	switch p := pk.(type) {
	case *packets.Connect:
		c.Close(session.ProtocolError)
		return false
	case *packets.Publish:
		return c.handlePublish(p)
	case *packets.Puback:
		c.sess.ResolveOutbound(p.PacketID)
	case *packets.Pubrec:
		c.sess.SetOutboundState(p.PacketID, session.AwaitingPubcomp)
		c.writePacket(&packets.Pubrel{PacketID: p.PacketID})
	case *packets.Pubrel:
		c.sess.ClearInbound(p.PacketID)
		c.writePacket(&packets.Pubcomp{PacketID: p.PacketID})
	case *packets.Pubcomp:
		c.sess.ResolveOutbound(p.PacketID)
	case *packets.Subscribe:
		return c.handleSubscribe(p)
	case *packets.Unsubscribe:
		return c.handleUnsubscribe(p)
	case *packets.Pingreq:
		c.writePacket(&packets.Pingresp{})
	case *packets.Disconnect:
		c.Close(session.Graceful)
		return false
	default:
		c.Close(session.ProtocolError)
		return false
	}
	return true
}

func (c *Conn) handlePublish(p *packets.Publish) bool {
	if c.stats != nil {
		c.stats.MessageReceived()
	}
	if !c.authn.ACL(c.clientID, c.username, p.TopicName, true) {
		return true
	}

	switch p.Qos {
	case 0:
		c.router.Publish(p)
	case 1:
		c.router.Publish(p)
		if err := c.writePacket(&packets.Puback{PacketID: p.PacketID}); err != nil {
			c.Close(session.IoError)
			return false
		}
	case 2:
		if c.sess.MarkInbound(p.PacketID) {
			c.router.Publish(p)
		}
		if err := c.writePacket(&packets.Pubrec{PacketID: p.PacketID}); err != nil {
			c.Close(session.IoError)
			return false
		}
	}
	return true
}

// handleSubscribe replies SUBACK before delivering any retained message, per
// the ordering this module chooses in §9 (grounded on the teacher's
// processSubscribe, which does the same).
func (c *Conn) handleSubscribe(p *packets.Subscribe) bool {
	codes := make([]byte, len(p.Filters))
	for i, filter := range p.Filters {
		qos := p.Qoss[i]
		if !c.authn.ACL(c.clientID, c.username, filter, false) {
			codes[i] = 0x80
			continue
		}
		c.router.trie.Subscribe(filter, c.clientID, qos)
		c.sess.Subscribe(filter, qos)
		if c.stats != nil {
			c.stats.AddSubscription(1)
		}
		codes[i] = qos
	}

	if err := c.writePacket(&packets.Suback{PacketID: p.PacketID, ReturnCodes: codes}); err != nil {
		c.Close(session.IoError)
		return false
	}

	for i, filter := range p.Filters {
		if codes[i] == 0x80 {
			continue
		}
		c.router.DeliverRetained(c.sess, filter, codes[i])
	}
	return true
}

func (c *Conn) handleUnsubscribe(p *packets.Unsubscribe) bool {
	for _, filter := range p.Filters {
		c.router.trie.Unsubscribe(filter, c.clientID)
		c.sess.Unsubscribe(filter)
	}
	if err := c.writePacket(&packets.Unsuback{PacketID: p.PacketID}); err != nil {
		c.Close(session.IoError)
		return false
	}
	return true
}

// Deliver implements session.Attachment: hand pk straight to this live
// connection at qos, allocating a packet-id for QoS>0 per §4.5's "Outbound
// delivery to a session" rules.
func (c *Conn) Deliver(pk *packets.Publish, qos byte) error {
	pk.Qos = qos
	if qos > 0 {
		state := session.AwaitingPuback
		if qos == 2 {
			state = session.AwaitingPubrec
		}
		id, err := c.sess.AllocatePacketID(pk, state)
		if err != nil {
			return err
		}
		pk.PacketID = id
	}
	return c.writePacket(pk)
}

// Redeliver implements session.Attachment: it writes pk to the wire exactly
// as given, without allocating a packet-id, for a DUP retransmission that
// must keep the peer's already-outstanding id.
func (c *Conn) Redeliver(pk *packets.Publish) error {
	return c.writePacket(pk)
}

// writePacket queues pk's encoded bytes for the writer goroutine. A PUBLISH
// delivered to this connection may originate from a foreign goroutine (the
// publishing connection's own read loop, routed here through Deliver or
// Redeliver) — per §5's "no callback blocks on another connection's I/O",
// that caller must never stall behind this connection's own backpressure, so
// any PUBLISH over the outbound highwater is dropped rather than enqueued.
// For QoS>0 the message stays tracked in outbound_inflight and the
// inflight-retry sweep (broker/loop.go) will attempt it again once the
// writer has drained, the same way a QoS 0 drop already worked before this
// accounting was extended to QoS>0.
func (c *Conn) writePacket(pk packets.Packet) error {
	enc, err := pk.Encode()
	if err != nil {
		return err
	}

	if _, isPublish := pk.(*packets.Publish); isPublish {
		if int(c.outboundLen.Load())+len(enc) > c.outboundHighwater {
			if c.stats != nil {
				c.stats.MessageDropped()
			}
			return nil
		}
		select {
		case c.outboundCh <- enc:
			c.outboundLen.Add(int64(len(enc)))
		default:
			if c.stats != nil {
				c.stats.MessageDropped()
			}
		}
		return nil
	}

	select {
	case c.outboundCh <- enc:
		c.outboundLen.Add(int64(len(enc)))
		return nil
	case <-c.done:
		return errConnClosed
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case b := <-c.outboundCh:
			c.outboundLen.Add(-int64(len(b)))
			if _, err := c.nc.Write(b); err != nil {
				c.Close(session.IoError)
				return
			}
			if c.stats != nil {
				c.stats.AddBytesSent(len(b))
				if len(b) >= 1 && b[0]>>4 == packets.TypePublish {
					c.stats.MessageSent()
				}
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down exactly once: stops its goroutines,
// detaches it from the session store, and routes the will if reason
// warrants it.
func (c *Conn) Close(reason session.CloseReason) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(closingState))
		close(c.done)
		c.nc.Close()

		if c.stats != nil && c.clientID != "" {
			c.stats.ClientDisconnected()
		}

		if c.store == nil || c.clientID == "" {
			return
		}
		will, fire, erasedFilters := c.store.Close(c.clientID, c, reason)
		for _, filter := range erasedFilters {
			c.router.trie.Unsubscribe(filter, c.clientID)
		}
		if fire && will != nil {
			c.router.Publish(&packets.Publish{
				FixedHeader: packets.FixedHeader{Qos: will.Qos, Retain: will.Retain},
				TopicName:   will.Topic,
				Payload:     will.Payload,
			})
		}
	})
}
