package wire

import "fmt"

// ReassemblyBuffer accumulates bytes delivered across discrete transport
// frames (WebSocket messages, in practice) into whole MQTT control packets.
// Unlike a stream decoder built on io.Reader, it never blocks waiting for
// more data: Feed is called once per inbound transport frame and returns
// whatever complete packets that frame completed, retaining any leftover
// partial packet for the next call.
type ReassemblyBuffer struct {
	version uint8
	pending []byte

	// maxPendingBytes bounds how much unparsed data Feed will accumulate
	// while waiting for a packet's remaining bytes to arrive, guarding
	// against a peer that claims (or trickles) an incoming packet far
	// larger than ClientConfig.MaxIncomingPacket permits. 0 means no limit.
	maxPendingBytes int
}

// NewReassemblyBuffer creates a buffer that decodes packets at the given
// protocol level. Feed fails once the bytes it holds at one time (the
// retained tail plus the new frame, complete packets included) exceed
// maxPendingBytes (0 disables the check).
func NewReassemblyBuffer(version uint8, maxPendingBytes int) *ReassemblyBuffer {
	return &ReassemblyBuffer{version: version, maxPendingBytes: maxPendingBytes}
}

// Feed appends frame to the internal buffer and decodes as many complete
// packets as are now available. A decode error, or exceeding
// maxPendingBytes, is fatal: the caller should tear down the connection
// and discard the ReassemblyBuffer.
func (r *ReassemblyBuffer) Feed(frame []byte) ([]Packet, error) {
	if len(frame) > 0 {
		r.pending = append(r.pending, frame...)
	}
	if r.maxPendingBytes > 0 && len(r.pending) > r.maxPendingBytes {
		return nil, fmt.Errorf("wire: incoming packet exceeds %d byte limit", r.maxPendingBytes)
	}

	var packets []Packet
	offset := 0
	for offset < len(r.pending) {
		pkt, n, err := Decode(r.pending[offset:], r.version)
		if err != nil {
			return packets, err
		}
		if n == 0 {
			break // partial frame: wait for more bytes
		}
		packets = append(packets, pkt)
		offset += n
	}

	if offset > 0 {
		if offset == len(r.pending) {
			r.pending = r.pending[:0]
		} else {
			r.pending = append(r.pending[:0], r.pending[offset:]...)
		}
	}
	return packets, nil
}
