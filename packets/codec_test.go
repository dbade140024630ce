package packets

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemainingLengthRoundTrip(t *testing.T) {
	cases := []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 268435455}
	for _, length := range cases {
		buf := encodeLength(nil, length)
		require.True(t, len(buf) >= 1 && len(buf) <= 4)

		r := bytes.NewReader(buf)
		got, consumed, err := decodeLength(r.ReadByte)
		require.NoError(t, err)
		require.Equal(t, length, got)
		require.Equal(t, len(buf), consumed)
	}
}

func TestRemainingLengthOverflow(t *testing.T) {
	// Four continuation bytes with the high bit still set on the fourth is
	// malformed: the value would need a fifth byte.
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	r := bytes.NewReader(buf)
	_, _, err := decodeLength(r.ReadByte)
	require.Error(t, err)
}

func TestFixedHeaderRoundTrip(t *testing.T) {
	fh := FixedHeader{Type: TypePublish, Dup: true, Qos: 2, Retain: true, Remaining: 9}
	enc, err := fh.Encode()
	require.NoError(t, err)

	var out FixedHeader
	require.NoError(t, out.Decode(enc[0]))
	require.Equal(t, fh.Type, out.Type)
	require.Equal(t, fh.Dup, out.Dup)
	require.Equal(t, fh.Qos, out.Qos)
	require.Equal(t, fh.Retain, out.Retain)
}

func TestFixedHeaderInvalidFlags(t *testing.T) {
	var fh FixedHeader
	// PINGREQ (type 12) with a nonzero flag nibble is invalid.
	require.ErrorIs(t, fh.Decode(TypePingreq<<4|0x02), ErrInvalidFlags)
}

// decodeOne reads and decodes a single packet from raw, mirroring how the
// connection FSM would read off the wire.
func decodeOne(t *testing.T, raw []byte) Packet {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(raw))
	var fh FixedHeader
	require.NoError(t, ReadFixedHeader(r, &fh))
	body := make([]byte, fh.Remaining)
	_, err := readFull(r, body)
	require.NoError(t, err)
	pk, err := Decode(fh, body)
	require.NoError(t, err)
	return pk
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// TestHandshakeScenario exercises S1: CONNECT then CONNACK.
func TestHandshakeScenario(t *testing.T) {
	raw := []byte{
		0x10, 0x0D, // CONNECT, remaining length 13
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,       // protocol level 4
		0x02,       // clean session
		0x00, 0x3C, // keepalive 60
		0x00, 0x01, 'A',
	}
	pk := decodeOne(t, raw)
	cn, ok := pk.(*Connect)
	require.True(t, ok)
	require.Equal(t, "MQTT", cn.ProtocolName)
	require.True(t, cn.CleanSession)
	require.EqualValues(t, 60, cn.Keepalive)
	require.Equal(t, "A", cn.ClientIdentifier)

	ack := &Connack{ReturnCode: Accepted, SessionPresent: false}
	enc, err := ack.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, enc)
}

func TestPublishRoundTrip(t *testing.T) {
	pk := &Publish{
		FixedHeader: FixedHeader{Qos: 1},
		TopicName:   "a/x/c",
		PacketID:    7,
		Payload:     []byte("hi"),
	}
	enc, err := pk.Encode()
	require.NoError(t, err)

	got := decodeOne(t, enc)
	p2, ok := got.(*Publish)
	require.True(t, ok)
	require.Equal(t, pk.TopicName, p2.TopicName)
	require.Equal(t, pk.PacketID, p2.PacketID)
	require.Equal(t, pk.Payload, p2.Payload)
	require.EqualValues(t, 1, p2.Qos)
}

func TestPublishQoS0RejectsPacketID(t *testing.T) {
	pk := &Publish{TopicName: "a/b", PacketID: 1}
	_, err := pk.Encode()
	require.ErrorIs(t, err, ErrSurplusPacketID)
}

func TestPublishQoS1RequiresPacketID(t *testing.T) {
	pk := &Publish{FixedHeader: FixedHeader{Qos: 1}, TopicName: "a/b"}
	_, err := pk.Encode()
	require.ErrorIs(t, err, ErrMissingPacketID)
}

func TestSubscribeSubackRoundTrip(t *testing.T) {
	sub := &Subscribe{PacketID: 1, Filters: []string{"a/+/c"}, Qoss: []byte{0}}
	enc, err := sub.Encode()
	require.NoError(t, err)

	got := decodeOne(t, enc)
	s2, ok := got.(*Subscribe)
	require.True(t, ok)
	require.Equal(t, sub.Filters, s2.Filters)
	require.Equal(t, sub.Qoss, s2.Qoss)

	ack := &Suback{PacketID: 1, ReturnCodes: []byte{0x00}}
	encAck, err := ack.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{TypeSuback << 4, 0x03, 0x00, 0x01, 0x00}, encAck)
}

func TestAckPacketsRoundTrip(t *testing.T) {
	puback := &Puback{PacketID: 42}
	enc, err := puback.Encode()
	require.NoError(t, err)
	got := decodeOne(t, enc)
	pb, ok := got.(*Puback)
	require.True(t, ok)
	require.EqualValues(t, 42, pb.PacketID)

	pubrel := &Pubrel{PacketID: 7}
	enc, err = pubrel.Encode()
	require.NoError(t, err)
	require.EqualValues(t, TypePubrel<<4|0x02, enc[0])
}

func TestPingPacketsHaveNoBody(t *testing.T) {
	req := &Pingreq{}
	enc, err := req.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{TypePingreq << 4, 0x00}, enc)

	resp := &Pingresp{}
	enc, err = resp.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{TypePingresp << 4, 0x00}, enc)
}

func TestDecodeUnknownPacketType(t *testing.T) {
	_, err := Decode(FixedHeader{Type: TypeReserved}, nil)
	require.ErrorIs(t, err, ErrUnknownPacketType)
}

func TestConnectRejectsReservedBit(t *testing.T) {
	raw := []byte{
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,
		0x03, // reserved bit set
		0x00, 0x3C,
		0x00, 0x01, 'A',
	}
	_, err := decodeConnect(FixedHeader{Type: TypeConnect, Remaining: len(raw)}, raw)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestConnectRejectsUnsupportedProtocolVersion(t *testing.T) {
	raw := []byte{
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x05, // protocol level 5, unsupported
		0x02,
		0x00, 0x3C,
		0x00, 0x01, 'A',
	}
	_, err := decodeConnect(FixedHeader{Type: TypeConnect, Remaining: len(raw)}, raw)
	require.ErrorIs(t, err, ErrUnsupportedProtocolVersion)
}

func TestConnectAllowsEmptyClientIDOnlyWithCleanSession(t *testing.T) {
	raw := []byte{
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,
		0x00, // clean session = 0
		0x00, 0x3C,
		0x00, 0x00, // zero-length client id
	}
	_, err := decodeConnect(FixedHeader{Type: TypeConnect, Remaining: len(raw)}, raw)
	require.ErrorIs(t, err, ErrProtocolViolation)
}
