package packets

// Connect is the MQTT CONNECT control packet.
type Connect struct {
	FixedHeader

	ProtocolName    string
	ProtocolVersion byte
	CleanSession    bool
	WillFlag        bool
	WillQos         byte
	WillRetain      bool
	UsernameFlag    bool
	PasswordFlag    bool
	Keepalive       uint16

	ClientIdentifier string
	WillTopic        string
	WillMessage      []byte
	Username         string
	Password         []byte
}

func (pk *Connect) Type() byte         { return TypeConnect }
func (pk *Connect) Header() FixedHeader { return pk.FixedHeader }

// Encode writes the CONNECT variable header and payload, per §4.2.
func (pk *Connect) Encode() ([]byte, error) {
	var body []byte

	protoName := pk.ProtocolName
	if protoName == "" {
		protoName = "MQTT"
	}
	body = append(body, encodeString(protoName)...)
	body = append(body, pk.ProtocolVersion)

	var flags byte
	flags |= encodeBool(pk.CleanSession) << 1
	flags |= encodeBool(pk.WillFlag) << 2
	flags |= pk.WillQos << 3
	flags |= encodeBool(pk.WillRetain) << 5
	flags |= encodeBool(pk.PasswordFlag) << 6
	flags |= encodeBool(pk.UsernameFlag) << 7
	body = append(body, flags)
	body = append(body, encodeUint16(pk.Keepalive)...)

	body = append(body, encodeString(pk.ClientIdentifier)...)
	if pk.WillFlag {
		body = append(body, encodeString(pk.WillTopic)...)
		body = append(body, encodeBytes(pk.WillMessage)...)
	}
	if pk.UsernameFlag {
		body = append(body, encodeString(pk.Username)...)
	}
	if pk.PasswordFlag {
		body = append(body, encodeBytes(pk.Password)...)
	}

	pk.FixedHeader.Type = TypeConnect
	pk.FixedHeader.Remaining = len(body)
	head, err := pk.FixedHeader.Encode()
	if err != nil {
		return nil, err
	}
	return append(head, body...), nil
}

// decodeConnect parses a CONNECT variable header and payload.
//
// [MQTT-3.1.2-3] the reserved flag bit MUST be 0.
// [MQTT-3.1.3-3] the client identifier MAY be zero-length only if clean
// session is 1.
func decodeConnect(fh FixedHeader, buf []byte) (*Connect, error) {
	pk := &Connect{FixedHeader: fh}

	var offset int
	var err error

	pk.ProtocolName, offset, err = decodeString(buf, 0)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	if pk.ProtocolName != "MQTT" && pk.ProtocolName != "MQIsdp" {
		return nil, ErrProtocolViolation
	}

	pk.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	if pk.ProtocolVersion != 4 {
		return nil, ErrUnsupportedProtocolVersion
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	if flags&0x01 != 0 {
		return nil, ErrProtocolViolation
	}
	pk.CleanSession = flags&0x02 > 0
	pk.WillFlag = flags&0x04 > 0
	pk.WillQos = (flags >> 3) & 0x03
	pk.WillRetain = flags&0x20 > 0
	pk.PasswordFlag = flags&0x40 > 0
	pk.UsernameFlag = flags&0x80 > 0
	if !validQoS(pk.WillQos) {
		return nil, ErrProtocolViolation
	}
	if pk.PasswordFlag && !pk.UsernameFlag {
		return nil, ErrProtocolViolation
	}

	pk.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return nil, ErrProtocolViolation
	}

	pk.ClientIdentifier, offset, err = decodeString(buf, offset)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	if pk.ClientIdentifier == "" && !pk.CleanSession {
		return nil, ErrProtocolViolation
	}

	if pk.WillFlag {
		pk.WillTopic, offset, err = decodeString(buf, offset)
		if err != nil {
			return nil, ErrProtocolViolation
		}
		pk.WillMessage, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return nil, ErrProtocolViolation
		}
	}

	if pk.UsernameFlag {
		pk.Username, offset, err = decodeString(buf, offset)
		if err != nil {
			return nil, ErrProtocolViolation
		}
	}

	if pk.PasswordFlag {
		pk.Password, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return nil, ErrProtocolViolation
		}
	}

	return pk, nil
}
