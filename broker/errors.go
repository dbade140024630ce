package broker

import (
	"errors"
	"io"
	"net"

	"github.com/arcwire/mqttbroker/packets"
	"github.com/arcwire/mqttbroker/session"
)

var (
	errMaxPacketSize = errors.New("broker: packet exceeds max_packet_size")
	errConnClosed    = errors.New("broker: connection closed")
)

// reasonForConnectError maps a failure reading/decoding the opening CONNECT
// to a close reason, per AwaitingConnect in §4.5.
func reasonForConnectError(err error) session.CloseReason {
	switch {
	case errors.Is(err, packets.ErrUnsupportedProtocolVersion):
		return session.ProtocolError
	case errors.Is(err, errMaxPacketSize):
		return session.MaxRequestSize
	case isNetworkTimeoutOrEOF(err):
		return session.PeerClosed
	default:
		return session.ProtocolError
	}
}

// ioOrPeerReason distinguishes a clean peer close/keepalive timeout from a
// genuine I/O error or protocol violation encountered mid-connection.
func ioOrPeerReason(err error) session.CloseReason {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return session.KeepaliveTimeout
	}
	if isNetworkTimeoutOrEOF(err) {
		return session.PeerClosed
	}
	if errors.Is(err, errMaxPacketSize) {
		return session.MaxRequestSize
	}
	if isProtocolError(err) {
		return session.ProtocolError
	}
	return session.IoError
}

func isNetworkTimeoutOrEOF(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func isProtocolError(err error) bool {
	switch {
	case errors.Is(err, packets.ErrShortBuffer),
		errors.Is(err, packets.ErrMalformedVarint),
		errors.Is(err, packets.ErrLengthTooLarge),
		errors.Is(err, packets.ErrProtocolViolation),
		errors.Is(err, packets.ErrUnknownPacketType),
		errors.Is(err, packets.ErrInvalidFlags),
		errors.Is(err, packets.ErrMalformedUTF8),
		errors.Is(err, packets.ErrMissingPacketID),
		errors.Is(err, packets.ErrSurplusPacketID):
		return true
	default:
		return false
	}
}
