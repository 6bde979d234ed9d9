package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corvidae/wsmqtt/internal/wire"
)

// fakeConn is an in-memory Transport double: Send appends to a log the
// test can inspect, and the test drives inbound traffic by calling the
// TransportEvents callbacks it was constructed with directly.
type fakeConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	sent   [][]byte
	closed bool

	events TransportEvents
}

func newFakeConn(events TransportEvents) *fakeConn {
	f := &fakeConn{events: events}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return newError(SocketError, "send on closed fake transport")
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	f.cond.Broadcast()
	return nil
}

// waitForSent blocks until at least n frames have been sent, or fails the
// test after timeout.
func (f *fakeConn) waitForSent(t *testing.T, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.sent) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for %d sent frames, have %d", n, len(f.sent))
		}
		timer := time.AfterFunc(remaining, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		})
		f.cond.Wait()
		timer.Stop()
	}
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sentPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// decodeSent decodes every frame fakeConn has recorded so far with the
// given protocol version, for assertions keyed on packet type/fields
// rather than raw bytes.
func (f *fakeConn) decodeSent(version uint8) []wire.Packet {
	var out []wire.Packet
	for _, raw := range f.sentPackets() {
		pkt, _, err := wire.Decode(raw, version)
		if err == nil && pkt != nil {
			out = append(out, pkt)
		}
	}
	return out
}

// deliver feeds data to the client as if it arrived from the server.
func (f *fakeConn) deliver(pkt wire.Packet) {
	data, err := pkt.Encode(nil)
	if err != nil {
		panic(err)
	}
	f.events.OnMessage(data)
}

// fakeDialer is a Dialer double. Each call to dial() consults the queued
// plan for that attempt: either a synchronous error, or a fakeConn that
// fires OnOpen (synchronously, before Dial returns, which is sufficient
// for a single-goroutine test driver since the actor loop processes
// evConnect and evTransportOpen back to back off the same channel).
type fakeDialer struct {
	mu     sync.Mutex
	plans  []dialPlan
	dials  []dialRecord
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

type dialPlan struct {
	err error
}

type dialRecord struct {
	uri         string
	subprotocol string
	conn        *fakeConn
}

// queueSuccess arranges for the next dial to succeed.
func (d *fakeDialer) queueSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans = append(d.plans, dialPlan{})
}

// queueFailure arranges for the next dial to fail synchronously with err.
func (d *fakeDialer) queueFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans = append(d.plans, dialPlan{err: err})
}

func (d *fakeDialer) dial(ctx context.Context, uri, subprotocol string, events TransportEvents) (Transport, error) {
	d.mu.Lock()
	var plan dialPlan
	if len(d.plans) > 0 {
		plan = d.plans[0]
		d.plans = d.plans[1:]
	}
	d.mu.Unlock()

	if plan.err != nil {
		d.mu.Lock()
		d.dials = append(d.dials, dialRecord{uri: uri, subprotocol: subprotocol})
		d.mu.Unlock()
		d.dialed <- nil
		return nil, plan.err
	}

	conn := newFakeConn(events)
	d.mu.Lock()
	d.dials = append(d.dials, dialRecord{uri: uri, subprotocol: subprotocol, conn: conn})
	d.mu.Unlock()

	events.OnOpen()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// waitDialed blocks until the next dial attempt completes, or fails the
// test after timeout. It returns nil for an attempt that failed.
func (d *fakeDialer) waitDialed(t *testing.T, timeout time.Duration) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(timeout):
		t.Fatal("timed out waiting for dial attempt")
		return nil
	}
}

// lastConn returns the fakeConn from the most recent dial, or nil if none
// has happened yet or the most recent dial failed.
func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1].conn
}
