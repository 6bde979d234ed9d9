package wire

import (
	"encoding/binary"
	"fmt"
)

// SubscribePacket is the MQTT SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID uint16
	Topics   []string
	QoS      []uint8
}

func (p *SubscribePacket) Type() uint8 { return Subscribe }

func (p *SubscribePacket) Encode(dst []byte) ([]byte, error) {
	variableHeaderLen := 2
	var payloadLen int
	topicBytes := make([][]byte, len(p.Topics))
	for i, topic := range p.Topics {
		tb, err := encodeUTF8String(topic)
		if err != nil {
			return nil, fmt.Errorf("wire: subscribe topic filter: %w", err)
		}
		topicBytes[i] = tb
		payloadLen += len(tb) + 1
	}

	header := FixedHeader{
		PacketType:      Subscribe,
		Flags:           0x02,
		RemainingLength: variableHeaderLen + payloadLen,
	}
	dst = header.appendBytes(dst)
	dst = binary.BigEndian.AppendUint16(dst, p.PacketID)
	for i, tb := range topicBytes {
		dst = append(dst, tb...)
		dst = append(dst, p.QoS[i]&0x03)
	}
	return dst, nil
}

// DecodeSubscribe decodes a SUBSCRIBE variable header and payload.
func DecodeSubscribe(buf []byte) (*SubscribePacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("wire: buffer too short for SUBSCRIBE packet")
	}
	pkt := &SubscribePacket{PacketID: binary.BigEndian.Uint16(buf)}
	offset := 2
	for offset < len(buf) {
		topic, n, err := decodeUTF8String(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("wire: subscribe topic filter: %w", err)
		}
		offset += n
		if offset >= len(buf) {
			return nil, fmt.Errorf("wire: buffer too short for subscribe qos byte")
		}
		pkt.Topics = append(pkt.Topics, topic)
		pkt.QoS = append(pkt.QoS, buf[offset]&0x03)
		offset++
	}
	return pkt, nil
}

// SubackPacket acknowledges a SUBSCRIBE.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []uint8
}

func (p *SubackPacket) Type() uint8 { return Suback }

func (p *SubackPacket) Encode(dst []byte) ([]byte, error) {
	header := FixedHeader{PacketType: Suback, RemainingLength: 2 + len(p.ReturnCodes)}
	dst = header.appendBytes(dst)
	dst = binary.BigEndian.AppendUint16(dst, p.PacketID)
	return append(dst, p.ReturnCodes...), nil
}

// DecodeSuback decodes a SUBACK variable header and payload.
func DecodeSuback(buf []byte) (*SubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("wire: buffer too short for SUBACK packet")
	}
	pkt := &SubackPacket{PacketID: binary.BigEndian.Uint16(buf)}
	pkt.ReturnCodes = append([]byte(nil), buf[2:]...)
	return pkt, nil
}

// UnsubscribePacket is the MQTT UNSUBSCRIBE control packet.
type UnsubscribePacket struct {
	PacketID uint16
	Topics   []string
}

func (p *UnsubscribePacket) Type() uint8 { return Unsubscribe }

func (p *UnsubscribePacket) Encode(dst []byte) ([]byte, error) {
	var payloadLen int
	topicBytes := make([][]byte, len(p.Topics))
	for i, topic := range p.Topics {
		tb, err := encodeUTF8String(topic)
		if err != nil {
			return nil, fmt.Errorf("wire: unsubscribe topic filter: %w", err)
		}
		topicBytes[i] = tb
		payloadLen += len(tb)
	}
	header := FixedHeader{
		PacketType:      Unsubscribe,
		Flags:           0x02,
		RemainingLength: 2 + payloadLen,
	}
	dst = header.appendBytes(dst)
	dst = binary.BigEndian.AppendUint16(dst, p.PacketID)
	for _, tb := range topicBytes {
		dst = append(dst, tb...)
	}
	return dst, nil
}

// DecodeUnsubscribe decodes an UNSUBSCRIBE variable header and payload.
func DecodeUnsubscribe(buf []byte) (*UnsubscribePacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("wire: buffer too short for UNSUBSCRIBE packet")
	}
	pkt := &UnsubscribePacket{PacketID: binary.BigEndian.Uint16(buf)}
	offset := 2
	for offset < len(buf) {
		topic, n, err := decodeUTF8String(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("wire: unsubscribe topic filter: %w", err)
		}
		offset += n
		pkt.Topics = append(pkt.Topics, topic)
	}
	return pkt, nil
}

// UnsubackPacket acknowledges an UNSUBSCRIBE.
type UnsubackPacket struct{ PacketID uint16 }

func (p *UnsubackPacket) Type() uint8 { return Unsuback }

func (p *UnsubackPacket) Encode(dst []byte) ([]byte, error) {
	return (&ackPacket{packetType: Unsuback, PacketID: p.PacketID}).Encode(dst)
}

// DecodeUnsuback decodes an UNSUBACK variable header.
func DecodeUnsuback(buf []byte) (*UnsubackPacket, error) {
	id, err := decodeAck(buf, Unsuback)
	if err != nil {
		return nil, err
	}
	return &UnsubackPacket{PacketID: id}, nil
}
