// Package packets implements the MQTT v3.1.1 control packet wire codec: the
// fixed header, the Remaining Length variable byte integer, and the
// variable-header/payload grammar for each of the fourteen packet types.
package packets

import "errors"

// Connect return codes, as carried in the CONNACK variable header.
const (
	Accepted                     byte = 0x00
	CodeConnectBadProtocolVersion byte = 0x01
	CodeConnectBadClientID        byte = 0x02
	CodeConnectServerUnavailable  byte = 0x03
	CodeConnectBadAuthValues      byte = 0x04
	CodeConnectNotAuthorised      byte = 0x05
)

// Local error kinds, per the error handling design: codec errors surface to
// the connection state machine, which maps them to a close reason.
var (
	ErrShortBuffer              = errors.New("packets: short buffer")
	ErrMalformedVarint          = errors.New("packets: malformed variable byte integer")
	ErrLengthTooLarge           = errors.New("packets: remaining length too large")
	ErrProtocolViolation        = errors.New("packets: protocol violation")
	ErrUnknownPacketType        = errors.New("packets: unknown packet type")
	ErrInvalidFlags             = errors.New("packets: invalid fixed header flags")
	ErrMalformedUTF8            = errors.New("packets: malformed utf-8 string")
	ErrMissingPacketID          = errors.New("packets: missing packet id")
	ErrSurplusPacketID          = errors.New("packets: packet id present where none is allowed")
	ErrUnsupportedProtocolVersion = errors.New("packets: unsupported protocol version")
)

func validQoS(qos byte) bool {
	return qos == 0 || qos == 1 || qos == 2
}
