package wire

import "fmt"

// Decode reads a single complete control packet starting at buf[0]. It
// returns the packet and the number of bytes consumed. n == 0 with a nil
// error means buf does not yet hold a complete packet — the caller must
// wait for more bytes and retry with a longer buffer starting at the same
// offset; this is the partial-frame signal ReassemblyBuffer relies on. A
// non-nil error is always fatal to the connection (malformed frame).
func Decode(buf []byte, version uint8) (Packet, int, error) {
	header, headerLen, err := decodeFixedHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if headerLen == 0 {
		return nil, 0, nil
	}
	total := headerLen + header.RemainingLength
	if len(buf) < total {
		return nil, 0, nil
	}
	body := buf[headerLen:total]

	pkt, err := decodeBody(header, body, version)
	if err != nil {
		return nil, 0, err
	}
	return pkt, total, nil
}

func decodeBody(header FixedHeader, body []byte, version uint8) (Packet, error) {
	switch header.PacketType {
	case Connect:
		return DecodeConnect(body)
	case Connack:
		return DecodeConnack(body)
	case Publish:
		return DecodePublish(body, header.Flags)
	case Puback:
		return DecodePuback(body)
	case Pubrec:
		return DecodePubrec(body)
	case Pubrel:
		return DecodePubrel(body)
	case Pubcomp:
		return DecodePubcomp(body)
	case Subscribe:
		return DecodeSubscribe(body)
	case Suback:
		return DecodeSuback(body)
	case Unsubscribe:
		return DecodeUnsubscribe(body)
	case Unsuback:
		return DecodeUnsuback(body)
	case Pingreq:
		return &PingreqPacket{}, nil
	case Pingresp:
		return &PingrespPacket{}, nil
	case Disconnect:
		return &DisconnectPacket{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown control packet type %d", header.PacketType)
	}
}
