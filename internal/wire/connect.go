package wire

import (
	"encoding/binary"
	"fmt"
)

// ConnectPacket is the MQTT CONNECT control packet.
type ConnectPacket struct {
	ProtocolName  string // "MQIsdp" (v3) or "MQTT" (v3.1.1)
	ProtocolLevel uint8  // Version31 or Version311

	CleanSession bool
	WillFlag     bool
	WillQoS      uint8
	WillRetain   bool
	UsernameFlag bool
	PasswordFlag bool

	KeepAlive uint16

	ClientID    string
	WillTopic   string
	WillMessage []byte
	Username    string
	Password    string
}

func (p *ConnectPacket) Type() uint8 { return Connect }

// Encode appends the CONNECT packet to dst.
func (p *ConnectPacket) Encode(dst []byte) ([]byte, error) {
	protoName, err := encodeUTF8String(p.ProtocolName)
	if err != nil {
		return nil, fmt.Errorf("wire: connect protocol name: %w", err)
	}
	clientID, err := encodeUTF8String(p.ClientID)
	if err != nil {
		return nil, fmt.Errorf("wire: connect client id: %w", err)
	}

	var flags uint8
	if p.CleanSession {
		flags |= 0x02
	}
	if p.WillFlag {
		flags |= 0x04
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.UsernameFlag {
		flags |= 0x80
	}

	variableHeaderLen := len(protoName) + 1 + 1 + 2
	payloadLen := len(clientID)

	var willTopic, willMessage, username, password []byte
	if p.WillFlag {
		willTopic, err = encodeUTF8String(p.WillTopic)
		if err != nil {
			return nil, fmt.Errorf("wire: connect will topic: %w", err)
		}
		willMessage = encodeBinary(p.WillMessage)
		payloadLen += len(willTopic) + len(willMessage)
	}
	if p.UsernameFlag {
		username, err = encodeUTF8String(p.Username)
		if err != nil {
			return nil, fmt.Errorf("wire: connect username: %w", err)
		}
		payloadLen += len(username)
	}
	if p.PasswordFlag {
		password, err = encodeUTF8String(p.Password)
		if err != nil {
			return nil, fmt.Errorf("wire: connect password: %w", err)
		}
		payloadLen += len(password)
	}

	header := FixedHeader{
		PacketType:      Connect,
		RemainingLength: variableHeaderLen + payloadLen,
	}
	dst = header.appendBytes(dst)
	dst = append(dst, protoName...)
	dst = append(dst, p.ProtocolLevel, flags)
	dst = binary.BigEndian.AppendUint16(dst, p.KeepAlive)
	dst = append(dst, clientID...)
	if p.WillFlag {
		dst = append(dst, willTopic...)
		dst = append(dst, willMessage...)
	}
	if p.UsernameFlag {
		dst = append(dst, username...)
	}
	if p.PasswordFlag {
		dst = append(dst, password...)
	}
	return dst, nil
}

// DecodeConnect decodes a CONNECT variable header + payload.
func DecodeConnect(buf []byte) (*ConnectPacket, error) {
	pkt := &ConnectPacket{}
	offset := 0

	protocolName, n, err := decodeUTF8String(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("wire: connect protocol name: %w", err)
	}
	pkt.ProtocolName = protocolName
	offset += n

	if offset+2 > len(buf) {
		return nil, fmt.Errorf("wire: buffer too short for connect level/flags")
	}
	pkt.ProtocolLevel = buf[offset]
	connectFlags := buf[offset+1]
	offset += 2

	pkt.CleanSession = connectFlags&0x02 != 0
	pkt.WillFlag = connectFlags&0x04 != 0
	pkt.WillQoS = (connectFlags >> 3) & 0x03
	pkt.WillRetain = connectFlags&0x20 != 0
	pkt.PasswordFlag = connectFlags&0x40 != 0
	pkt.UsernameFlag = connectFlags&0x80 != 0

	if offset+2 > len(buf) {
		return nil, fmt.Errorf("wire: buffer too short for connect keep alive")
	}
	pkt.KeepAlive = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	clientID, n, err := decodeUTF8String(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("wire: connect client id: %w", err)
	}
	pkt.ClientID = clientID
	offset += n

	if pkt.WillFlag {
		willTopic, n, err := decodeUTF8String(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("wire: connect will topic: %w", err)
		}
		pkt.WillTopic = willTopic
		offset += n

		willMessage, n, err := decodeBinary(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("wire: connect will message: %w", err)
		}
		pkt.WillMessage = append([]byte(nil), willMessage...)
		offset += n
	}

	if pkt.UsernameFlag {
		username, n, err := decodeUTF8String(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("wire: connect username: %w", err)
		}
		pkt.Username = username
		offset += n
	}

	if pkt.PasswordFlag {
		password, _, err := decodeUTF8String(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("wire: connect password: %w", err)
		}
		pkt.Password = password
	}

	return pkt, nil
}
