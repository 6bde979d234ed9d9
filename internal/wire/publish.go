package wire

import (
	"encoding/binary"
	"fmt"
)

// PublishPacket is the MQTT PUBLISH control packet.
type PublishPacket struct {
	Dup    bool
	QoS    uint8
	Retain bool

	Topic    string
	PacketID uint16 // only meaningful when QoS > 0

	Payload []byte
}

func (p *PublishPacket) Type() uint8 { return Publish }

// Encode appends the PUBLISH packet to dst. The payload occupies the
// remainder of the packet with no length prefix.
func (p *PublishPacket) Encode(dst []byte) ([]byte, error) {
	topic, err := encodeUTF8String(p.Topic)
	if err != nil {
		return nil, fmt.Errorf("wire: publish topic: %w", err)
	}

	variableHeaderLen := len(topic)
	if p.QoS > 0 {
		variableHeaderLen += 2
	}

	var flags uint8
	if p.Dup {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}

	header := FixedHeader{
		PacketType:      Publish,
		Flags:           flags,
		RemainingLength: variableHeaderLen + len(p.Payload),
	}
	dst = header.appendBytes(dst)
	dst = append(dst, topic...)
	if p.QoS > 0 {
		dst = binary.BigEndian.AppendUint16(dst, p.PacketID)
	}
	dst = append(dst, p.Payload...)
	return dst, nil
}

// DecodePublish decodes a PUBLISH variable header and payload. fixedFlags
// are the four flag bits from the fixed header (Dup/QoS/Retain).
func DecodePublish(buf []byte, fixedFlags uint8) (*PublishPacket, error) {
	pkt := &PublishPacket{
		Dup:    fixedFlags&0x08 != 0,
		QoS:    (fixedFlags >> 1) & 0x03,
		Retain: fixedFlags&0x01 != 0,
	}
	if pkt.QoS == 0x03 {
		return nil, fmt.Errorf("wire: publish with invalid QoS 3")
	}

	offset := 0
	topic, n, err := decodeUTF8String(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("wire: publish topic: %w", err)
	}
	pkt.Topic = topic
	offset += n

	if pkt.QoS > 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("wire: buffer too short for publish packet id")
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf[offset:])
		offset += 2
	}

	pkt.Payload = append([]byte(nil), buf[offset:]...)
	return pkt, nil
}
