package broker

import (
	"github.com/arcwire/mqttbroker/packets"
	"github.com/arcwire/mqttbroker/session"
	"github.com/arcwire/mqttbroker/topics"
)

// Router binds the topic trie to the session store: Publish resolves a
// PUBLISH's matching subscribers and hands each one a clone at the
// effective QoS, per §4.3's "min(publish-QoS, subscription-QoS)" rule and
// §4.5's "Outbound delivery to a session" rules.
type Router struct {
	trie  *topics.Trie
	store *session.Store
	stats *Stats
}

func NewRouter(trie *topics.Trie, store *session.Store, stats *Stats) *Router {
	return &Router{trie: trie, store: store, stats: stats}
}

// Publish routes pk to every matching subscriber exactly once, delivering
// at min(pk.Qos, subscription qos). If pk.Retain, the topic trie's retained
// store is updated first.
func (r *Router) Publish(pk *packets.Publish) {
	if pk.Retain {
		r.trie.RetainMessage(pk.TopicName, pk.Payload, pk.Qos)
	}

	subs := r.trie.Subscribers(pk.TopicName)
	for clientID, grantedQos := range subs {
		sess, ok := r.store.Get(clientID)
		if !ok {
			continue
		}
		effective := pk.Qos
		if grantedQos < effective {
			effective = grantedQos
		}
		clone := pk.Clone()
		clone.PacketID = 0
		sess.Deliver(clone, effective)
	}
}

// DeliverRetained sends every retained message matching filter to sess at
// min(retained qos, granted qos), used right after a SUBACK per §4.5/§9.
func (r *Router) DeliverRetained(sess *session.Session, filter string, grantedQos byte) {
	for _, msg := range r.trie.Messages(filter) {
		effective := msg.Qos
		if grantedQos < effective {
			effective = grantedQos
		}
		pk := &packets.Publish{
			FixedHeader: packets.FixedHeader{Retain: true},
			TopicName:   msg.TopicName,
			Payload:     append([]byte(nil), msg.Payload...),
		}
		sess.Deliver(pk, effective)
	}
}
