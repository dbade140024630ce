package packets

// Subscribe is the MQTT SUBSCRIBE control packet.
type Subscribe struct {
	FixedHeader
	PacketID uint16
	Filters  []string
	Qoss     []byte
}

func (pk *Subscribe) Type() byte          { return TypeSubscribe }
func (pk *Subscribe) Header() FixedHeader { return pk.FixedHeader }

func (pk *Subscribe) Encode() ([]byte, error) {
	if pk.PacketID == 0 {
		return nil, ErrMissingPacketID
	}
	body := encodeUint16(pk.PacketID)
	for i, f := range pk.Filters {
		body = append(body, encodeString(f)...)
		body = append(body, pk.Qoss[i])
	}
	pk.FixedHeader.Type = TypeSubscribe
	pk.FixedHeader.Qos = 1
	pk.FixedHeader.Remaining = len(body)
	head, err := pk.FixedHeader.Encode()
	if err != nil {
		return nil, err
	}
	return append(head, body...), nil
}

// decodeSubscribe decodes packet-id then (filter, requested-qos) tuples
// until Remaining Length is exhausted.
func decodeSubscribe(fh FixedHeader, buf []byte) (*Subscribe, error) {
	pk := &Subscribe{FixedHeader: fh}
	id, offset, err := decodeUint16(buf, 0)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	if id == 0 {
		return nil, ErrMissingPacketID
	}
	pk.PacketID = id

	if offset >= len(buf) {
		return nil, ErrProtocolViolation
	}

	for offset < len(buf) {
		var filter string
		filter, offset, err = decodeString(buf, offset)
		if err != nil {
			return nil, ErrProtocolViolation
		}
		if filter == "" {
			return nil, ErrProtocolViolation
		}

		var qos byte
		qos, offset, err = decodeByte(buf, offset)
		if err != nil {
			return nil, ErrProtocolViolation
		}
		if !validQoS(qos) {
			return nil, ErrProtocolViolation
		}

		pk.Filters = append(pk.Filters, filter)
		pk.Qoss = append(pk.Qoss, qos)
	}

	return pk, nil
}

// Suback is the MQTT SUBACK control packet.
type Suback struct {
	FixedHeader
	PacketID    uint16
	ReturnCodes []byte
}

func (pk *Suback) Type() byte          { return TypeSuback }
func (pk *Suback) Header() FixedHeader { return pk.FixedHeader }

func (pk *Suback) Encode() ([]byte, error) {
	body := encodeUint16(pk.PacketID)
	body = append(body, pk.ReturnCodes...)
	pk.FixedHeader.Type = TypeSuback
	pk.FixedHeader.Remaining = len(body)
	head, err := pk.FixedHeader.Encode()
	if err != nil {
		return nil, err
	}
	return append(head, body...), nil
}

func decodeSuback(fh FixedHeader, buf []byte) (*Suback, error) {
	pk := &Suback{FixedHeader: fh}
	id, offset, err := decodeUint16(buf, 0)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	pk.PacketID = id
	codes := make([]byte, len(buf)-offset)
	copy(codes, buf[offset:])
	pk.ReturnCodes = codes
	return pk, nil
}
