package wire

import "testing"

// TestReassemblyBufferSplitFrame feeds a single PUBLISH packet across two
// transport frames and checks nothing is returned until the second frame
// completes it.
func TestReassemblyBufferSplitFrame(t *testing.T) {
	pkt := &PublishPacket{QoS: 1, Topic: "a/b", PacketID: 1, Payload: []byte("hi")}
	full, err := pkt.Encode(nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	rb := NewReassemblyBuffer(Version311, 0)

	first, err := rb.Feed(full[:5])
	if err != nil {
		t.Fatalf("Feed() first chunk error = %v", err)
	}
	if len(first) != 0 {
		t.Fatalf("Feed() first chunk returned %d packets, want 0", len(first))
	}

	second, err := rb.Feed(full[5:])
	if err != nil {
		t.Fatalf("Feed() second chunk error = %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("Feed() second chunk returned %d packets, want 1", len(second))
	}
	got, ok := second[0].(*PublishPacket)
	if !ok || got.Topic != "a/b" {
		t.Errorf("Feed() decoded %+v, want topic a/b", second[0])
	}
}

// TestReassemblyBufferMultiplePacketsOneFrame feeds two whole packets in a
// single transport frame and expects both decoded in order.
func TestReassemblyBufferMultiplePacketsOneFrame(t *testing.T) {
	p1, _ := (&PingreqPacket{}).Encode(nil)
	p2, _ := (&PublishPacket{Topic: "x", Payload: []byte("y")}).Encode(nil)

	rb := NewReassemblyBuffer(Version311, 0)
	packets, err := rb.Feed(append(p1, p2...))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("Feed() returned %d packets, want 2", len(packets))
	}
	if packets[0].Type() != Pingreq {
		t.Errorf("packets[0].Type() = %d, want PINGREQ", packets[0].Type())
	}
	if packets[1].Type() != Publish {
		t.Errorf("packets[1].Type() = %d, want PUBLISH", packets[1].Type())
	}
}

func TestReassemblyBufferMalformedFrameIsFatal(t *testing.T) {
	rb := NewReassemblyBuffer(Version311, 0)
	// A 5-byte remaining-length encoding is never valid.
	_, err := rb.Feed([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F})
	if err == nil {
		t.Fatalf("Feed() expected error for malformed remaining length")
	}
}

// TestReassemblyBufferEnforcesMaxPendingBytes checks that a partial packet
// whose accumulated bytes exceed maxPendingBytes is rejected as soon as
// the limit is passed, before the packet is complete, rather than buffered
// without bound.
func TestReassemblyBufferEnforcesMaxPendingBytes(t *testing.T) {
	pkt := &PublishPacket{QoS: 1, Topic: "a/b", PacketID: 1, Payload: make([]byte, 64)}
	full, err := pkt.Encode(nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	rb := NewReassemblyBuffer(Version311, 16)
	_, err = rb.Feed(full[:20])
	if err == nil {
		t.Fatal("Feed() of a chunk past maxPendingBytes = nil error, want failure")
	}
}
