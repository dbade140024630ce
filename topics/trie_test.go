package topics

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	tr := New()
	require.True(t, tr.Subscribe("a/b/c", "client1", 1))
	require.False(t, tr.Subscribe("a/b/c", "client1", 2), "resubscribe is not new")

	subs := tr.Subscribers("a/b/c")
	require.Equal(t, Subscribers{"client1": 2}, subs)

	require.True(t, tr.Unsubscribe("a/b/c", "client1"))
	require.False(t, tr.Unsubscribe("a/b/c", "client1"), "already removed")
	require.Empty(t, tr.Subscribers("a/b/c"))
}

func TestMatchExactSetOfClients(t *testing.T) {
	tr := New()
	tr.Subscribe("a/b/c", "exact", 0)
	tr.Subscribe("a/+/c", "plus", 1)
	tr.Subscribe("a/#", "hash", 2)
	tr.Subscribe("x/y/z", "other", 0)

	subs := tr.Subscribers("a/b/c")
	require.Len(t, subs, 3)
	require.Contains(t, subs, "exact")
	require.Contains(t, subs, "plus")
	require.Contains(t, subs, "hash")
	require.NotContains(t, subs, "other")
}

func TestDollarPrefixExcludedFromTopLevelWildcards(t *testing.T) {
	tr := New()
	tr.Subscribe("+/status", "plusclient", 0)
	tr.Subscribe("#", "hashclient", 0)
	tr.Subscribe("$SYS/status", "exactclient", 0)

	subs := tr.Subscribers("$SYS/status")
	require.Equal(t, Subscribers{"exactclient": 0}, subs)
}

func TestTopLevelWildcardsMatchNonDollarTopics(t *testing.T) {
	tr := New()
	tr.Subscribe("+/status", "plusclient", 0)
	tr.Subscribe("#", "hashclient", 0)

	subs := tr.Subscribers("device/status")
	require.Contains(t, subs, "plusclient")
	require.Contains(t, subs, "hashclient")
}

func TestParentHashAlsoMatchesExactParent(t *testing.T) {
	tr := New()
	tr.Subscribe("a/b/#", "client1", 0)

	subs := tr.Subscribers("a/b")
	require.Equal(t, Subscribers{"client1": 0}, subs)

	subs = tr.Subscribers("a/b/c/d")
	require.Equal(t, Subscribers{"client1": 0}, subs)
}

// TestScenarioS2 exercises S2: subscribe to a/+/c, publish to a/x/c.
func TestScenarioS2(t *testing.T) {
	tr := New()
	tr.Subscribe("a/+/c", "sub1", 1)

	subs := tr.Subscribers("a/x/c")
	require.Equal(t, Subscribers{"sub1": 1}, subs)

	require.Empty(t, tr.Subscribers("a/x/y/c"))
}

// TestScenarioS5 exercises S5: retained message set, match by new subscriber,
// and clear via empty payload.
func TestScenarioS5(t *testing.T) {
	tr := New()

	n := tr.RetainMessage("sensor/temp", []byte("21.5"), 0)
	require.Equal(t, 1, n)

	msgs := tr.Messages("sensor/#")
	require.Len(t, msgs, 1)
	require.Equal(t, "sensor/temp", msgs[0].TopicName)
	require.Equal(t, []byte("21.5"), msgs[0].Payload)

	msgs = tr.Messages("sensor/temp")
	require.Len(t, msgs, 1)

	n = tr.RetainMessage("sensor/temp", nil, 0)
	require.Equal(t, -1, n)

	require.Empty(t, tr.Messages("sensor/#"))
	require.Empty(t, tr.Messages("sensor/temp"))

	n = tr.RetainMessage("sensor/temp", nil, 0)
	require.Equal(t, 0, n, "clearing an already-clear retained message reports 0")
}

func TestMessagesMatchesPlusAndHash(t *testing.T) {
	tr := New()
	tr.RetainMessage("a/b/c", []byte("1"), 0)
	tr.RetainMessage("a/x/c", []byte("2"), 0)
	tr.RetainMessage("a/x/y", []byte("3"), 0)

	msgs := tr.Messages("a/+/c")
	names := topicNames(msgs)
	sort.Strings(names)
	require.Equal(t, []string{"a/b/c", "a/x/c"}, names)

	msgs = tr.Messages("a/#")
	names = topicNames(msgs)
	sort.Strings(names)
	require.Equal(t, []string{"a/b/c", "a/x/c", "a/x/y"}, names)
}

func TestMessagesDollarPrefixNotMatchedByTopLevelWildcard(t *testing.T) {
	tr := New()
	tr.RetainMessage("$SYS/broker/clients", []byte("1"), 0)

	require.Empty(t, tr.Messages("#"))
	require.Empty(t, tr.Messages("+/broker/clients"))

	msgs := tr.Messages("$SYS/#")
	require.Len(t, msgs, 1)
}

func TestPruneRemovesEmptyBranches(t *testing.T) {
	tr := New()
	tr.Subscribe("a/b/c", "client1", 0)
	tr.Unsubscribe("a/b/c", "client1")

	require.Empty(t, tr.root.children, "all empty nodes should be pruned back to root")
}

func topicNames(msgs []Retained) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.TopicName
	}
	return out
}
