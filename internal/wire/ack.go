package wire

import (
	"encoding/binary"
	"fmt"
)

// ackPacket is the shared 2-byte-variable-header shape of PUBACK, PUBREC,
// PUBREL and PUBCOMP: a packet type and the packet identifier being
// acknowledged, nothing else. PUBREL additionally sets fixed-header flag
// bit 1 (section 3.6.1).
type ackPacket struct {
	packetType uint8
	flags      uint8
	PacketID   uint16
}

func (p *ackPacket) Type() uint8 { return p.packetType }

func (p *ackPacket) Encode(dst []byte) ([]byte, error) {
	header := FixedHeader{PacketType: p.packetType, Flags: p.flags, RemainingLength: 2}
	dst = header.appendBytes(dst)
	return binary.BigEndian.AppendUint16(dst, p.PacketID), nil
}

func decodeAck(buf []byte, packetType uint8) (uint16, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("wire: buffer too short for %s packet", PacketNames[packetType])
	}
	return binary.BigEndian.Uint16(buf), nil
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct{ PacketID uint16 }

func (p *PubackPacket) Type() uint8 { return Puback }
func (p *PubackPacket) Encode(dst []byte) ([]byte, error) {
	return (&ackPacket{packetType: Puback, PacketID: p.PacketID}).Encode(dst)
}

// DecodePuback decodes a PUBACK variable header.
func DecodePuback(buf []byte) (*PubackPacket, error) {
	id, err := decodeAck(buf, Puback)
	if err != nil {
		return nil, err
	}
	return &PubackPacket{PacketID: id}, nil
}

// PubrecPacket is step 1 of the QoS 2 publish handshake.
type PubrecPacket struct{ PacketID uint16 }

func (p *PubrecPacket) Type() uint8 { return Pubrec }
func (p *PubrecPacket) Encode(dst []byte) ([]byte, error) {
	return (&ackPacket{packetType: Pubrec, PacketID: p.PacketID}).Encode(dst)
}

// DecodePubrec decodes a PUBREC variable header.
func DecodePubrec(buf []byte) (*PubrecPacket, error) {
	id, err := decodeAck(buf, Pubrec)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket{PacketID: id}, nil
}

// PubrelPacket is step 2 of the QoS 2 publish handshake.
type PubrelPacket struct{ PacketID uint16 }

func (p *PubrelPacket) Type() uint8 { return Pubrel }
func (p *PubrelPacket) Encode(dst []byte) ([]byte, error) {
	return (&ackPacket{packetType: Pubrel, flags: 0x02, PacketID: p.PacketID}).Encode(dst)
}

// DecodePubrel decodes a PUBREL variable header.
func DecodePubrel(buf []byte) (*PubrelPacket, error) {
	id, err := decodeAck(buf, Pubrel)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket{PacketID: id}, nil
}

// PubcompPacket completes the QoS 2 publish handshake.
type PubcompPacket struct{ PacketID uint16 }

func (p *PubcompPacket) Type() uint8 { return Pubcomp }
func (p *PubcompPacket) Encode(dst []byte) ([]byte, error) {
	return (&ackPacket{packetType: Pubcomp, PacketID: p.PacketID}).Encode(dst)
}

// DecodePubcomp decodes a PUBCOMP variable header.
func DecodePubcomp(buf []byte) (*PubcompPacket, error) {
	id, err := decodeAck(buf, Pubcomp)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket{PacketID: id}, nil
}
