package mq

import "context"

// Transport is the duplex byte transport the connection state machine
// drives. It corresponds to a single WebSocket (or WebSocket-like) session:
// once closed it cannot be reopened, and a fresh connect attempt dials a
// fresh Transport.
type Transport interface {
	// Send writes one complete, already-encoded MQTT control packet. Send
	// must not fragment the packet across multiple transport frames.
	Send(data []byte) error

	// Close closes the underlying connection. code and reason are
	// best-effort and may be ignored by transports that have no native
	// close-frame concept.
	Close(code int, reason string) error
}

// TransportEvents is the callback sink a Dialer must drive once the
// transport is open. For a dial that returns without error, OnOpen is
// called once; after OnOpen, OnMessage may be called any number of times
// until OnError or OnClose fires (at most one of those two, exactly once,
// terminates the session).
type TransportEvents struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func()
}

// Dialer opens a Transport to uri using the given WebSocket subprotocol
// ("mqttv3.1" or "mqtt"), wiring events to the caller-supplied sink.
// events.OnOpen may fire before the Dialer returns (the ws package's
// Dialer completes the handshake and calls it before returning) or later.
// A non-nil error means the dial failed synchronously and no events will
// be delivered.
type Dialer func(ctx context.Context, uri, subprotocol string, events TransportEvents) (Transport, error)
