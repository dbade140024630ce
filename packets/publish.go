package packets

// Publish is the MQTT PUBLISH control packet.
type Publish struct {
	FixedHeader
	TopicName string
	PacketID  uint16
	Payload   []byte
}

func (pk *Publish) Type() byte          { return TypePublish }
func (pk *Publish) Header() FixedHeader { return pk.FixedHeader }

// Encode writes the PUBLISH variable header and payload.
//
// [MQTT-2.3.1-5] a PUBLISH packet MUST NOT carry a packet id when QoS is 0.
func (pk *Publish) Encode() ([]byte, error) {
	var body []byte
	body = append(body, encodeString(pk.TopicName)...)
	if pk.Qos > 0 {
		if pk.PacketID == 0 {
			return nil, ErrMissingPacketID
		}
		body = append(body, encodeUint16(pk.PacketID)...)
	} else if pk.PacketID != 0 {
		return nil, ErrSurplusPacketID
	}

	pk.FixedHeader.Type = TypePublish
	pk.FixedHeader.Remaining = len(body) + len(pk.Payload)
	head, err := pk.FixedHeader.Encode()
	if err != nil {
		return nil, err
	}
	out := append(head, body...)
	return append(out, pk.Payload...), nil
}

// Clone duplicates the packet's topic and payload with a fresh fixed header,
// for per-subscriber redelivery where QoS and packet-id are reassigned.
func (pk *Publish) Clone() *Publish {
	payload := make([]byte, len(pk.Payload))
	copy(payload, pk.Payload)
	return &Publish{
		FixedHeader: FixedHeader{Type: TypePublish},
		TopicName:   pk.TopicName,
		Payload:     payload,
	}
}

func decodePublish(fh FixedHeader, buf []byte) (*Publish, error) {
	pk := &Publish{FixedHeader: fh}
	topic, offset, err := decodeString(buf, 0)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	if topic == "" {
		return nil, ErrProtocolViolation
	}
	for _, c := range topic {
		if c == '+' || c == '#' {
			return nil, ErrProtocolViolation
		}
	}
	pk.TopicName = topic

	if fh.Qos > 0 {
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil {
			return nil, ErrProtocolViolation
		}
		if pk.PacketID == 0 {
			return nil, ErrMissingPacketID
		}
	}

	payload := make([]byte, len(buf)-offset)
	copy(payload, buf[offset:])
	pk.Payload = payload

	return pk, nil
}
