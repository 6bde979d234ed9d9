package wire

// FixedHeader is the 2-to-5 byte header present in every MQTT control
// packet: one byte of packet type and flags, followed by the Multi-Byte
// Integer remaining-length.
type FixedHeader struct {
	PacketType      uint8
	Flags           uint8
	RemainingLength int
}

// appendBytes appends the encoded fixed header to dst.
func (h FixedHeader) appendBytes(dst []byte) []byte {
	dst = append(dst, (h.PacketType<<4)|(h.Flags&0x0F))
	return AppendMBI(dst, h.RemainingLength)
}

// decodeFixedHeader reads a fixed header starting at buf[0]. It returns the
// header, the number of bytes the header itself occupied, and an error. A
// return of (FixedHeader{}, 0, nil) means buf did not yet contain a complete
// header — the caller should wait for more bytes.
func decodeFixedHeader(buf []byte) (FixedHeader, int, error) {
	if len(buf) < 1 {
		return FixedHeader{}, 0, nil
	}
	first := buf[0]
	remaining, n, err := DecodeMBI(buf[1:])
	if err != nil {
		return FixedHeader{}, 0, err
	}
	if n == 0 {
		return FixedHeader{}, 0, nil
	}
	return FixedHeader{
		PacketType:      first >> 4,
		Flags:           first & 0x0F,
		RemainingLength: remaining,
	}, 1 + n, nil
}
