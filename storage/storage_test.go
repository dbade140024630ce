package storage

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/mqttbroker/session"
)

func roundTrip(t *testing.T, p session.Persistence) {
	t.Helper()

	rec := session.Record{
		ClientID:      "client-1",
		CleanSession:  false,
		Username:      "alice",
		Listener:      "tcp",
		Subscriptions: map[string]byte{"a/b": 1},
		Will:          &session.Will{Topic: "a/lwt", Payload: []byte("bye"), Qos: 1},
		Inflight: []session.InflightSnapshot{
			{PacketID: 7, Topic: "a/b", Payload: []byte("hi"), Qos: 1, State: session.AwaitingPuback},
		},
	}
	require.NoError(t, p.Save(rec))

	all, err := p.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "client-1", all[0].ClientID)
	require.Equal(t, byte(1), all[0].Subscriptions["a/b"])
	require.Equal(t, "a/lwt", all[0].Will.Topic)
	require.Len(t, all[0].Inflight, 1)

	require.NoError(t, p.Delete("client-1"))
	all, err = p.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 0)
}

func TestBoltRoundTrip(t *testing.T) {
	p, err := OpenBolt(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer p.(interface{ Close() error }).Close()
	roundTrip(t, p)
}

func TestBadgerRoundTrip(t *testing.T) {
	p, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer p.(interface{ Close() error }).Close()
	roundTrip(t, p)
}

func TestPebbleRoundTrip(t *testing.T) {
	p, err := OpenPebble(filepath.Join(t.TempDir(), "pebble"))
	require.NoError(t, err)
	defer p.(interface{ Close() error }).Close()
	roundTrip(t, p)
}

func TestRedisRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	p, err := OpenRedis(mr.Addr())
	require.NoError(t, err)
	defer p.(interface{ Close() error }).Close()
	roundTrip(t, p)
}
