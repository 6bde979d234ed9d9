package mq

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvidae/wsmqtt/internal/wire"
)

// Events posted by the API surface (client.go) and consumed by dispatch.

type evConnect struct {
	opts ConnectOptions
	tok  *token
}

type evDisconnect struct{}

type evShutdown struct{ done chan struct{} }

// Events posted by the transport's callback sink. epoch pins each event to
// the connEpoch in effect when the transport that produced it was dialed,
// so a late callback from an abandoned attempt is ignored rather than
// corrupting the state machine of a newer one.

type evTransportOpen struct {
	epoch     uint64
	transport Transport
}

type evTransportMessage struct {
	epoch uint64
	data  []byte
}

type evTransportError struct {
	epoch uint64
	err   error
}

type evTransportClose struct{ epoch uint64 }

// Timer-driven events, also epoch-guarded.

type evConnectTimeout struct{ epoch uint64 }
type evReconnectTimer struct{ epoch uint64 }
type evPingerFire struct{ epoch uint64 }

const minReconnectInterval = 1 * time.Second
const maxReconnectInterval = 128 * time.Second

// handleConnect starts a new connect attempt: it validates there isn't one
// already running, builds the URI list, and dials the first candidate
// (spec.md section 4.6).
func (c *Client) handleConnect(e evConnect) {
	if c.state == stateConnecting || c.state == stateConnected {
		e.tok.complete(newError(InvalidState, "connect already in progress or established"))
		return
	}
	if c.state == stateReconnecting {
		c.cancelReconnectTimer()
	}

	c.opts = e.opts
	c.connectToken = e.tok
	c.uris = buildURIList(e.opts)
	if len(c.uris) == 0 {
		e.tok.complete(newError(InvalidArgument, "no candidate URIs to connect to"))
		return
	}
	c.hostIndex = 0
	c.versionFellBack = false
	c.version = e.opts.MQTTVersion
	c.reconnectInterval = minReconnectInterval

	c.connEpoch++
	c.state = stateConnecting
	c.dialCurrentHost()
}

// dialCurrentHost dials c.uris[c.hostIndex] at the currently negotiated
// protocol version, arming the per-attempt connect timeout.
func (c *Client) dialCurrentHost() {
	epoch := c.connEpoch
	uri := c.uris[c.hostIndex]
	subprotocol := "mqtt"
	if c.version == wire.Version31 {
		subprotocol = "mqttv3.1"
	}

	c.traceLog(slog.LevelDebug, "dialing %s (version=%d, attempt %d/%d)", uri, c.version, c.hostIndex+1, len(c.uris))

	events := TransportEvents{
		OnOpen:    func() { c.post(evTransportOpen{epoch: epoch}) },
		OnMessage: func(data []byte) { c.post(evTransportMessage{epoch: epoch, data: data}) },
		OnError:   func(err error) { c.post(evTransportError{epoch: epoch, err: err}) },
		OnClose:   func() { c.post(evTransportClose{epoch: epoch}) },
	}

	transport, err := c.dial(context.Background(), uri, subprotocol, events)
	if err != nil {
		c.post(evTransportError{epoch: epoch, err: err})
		return
	}
	c.transport = transport

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.connectTimer = time.AfterFunc(timeout, func() { c.post(evConnectTimeout{epoch: epoch}) })
}

// handleTransportOpen sends CONNECT once the transport is ready.
func (c *Client) handleTransportOpen(e evTransportOpen) {
	if e.epoch != c.connEpoch || c.state != stateConnecting {
		return
	}

	pkt := &wire.ConnectPacket{
		ProtocolName:  wire.ProtocolNames[c.version],
		ProtocolLevel: c.version,
		CleanSession:  c.opts.CleanSession,
		UsernameFlag:  c.opts.HasUsername,
		Username:      c.opts.Username,
		PasswordFlag:  c.opts.HasPassword,
		Password:      c.opts.Password,
		KeepAlive:     uint16(c.opts.KeepAlive / time.Second),
		ClientID:      c.id,
	}
	if c.opts.Will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.opts.Will.Topic
		pkt.WillMessage = c.opts.Will.Payload
		pkt.WillQoS = uint8(c.opts.Will.QoS)
		pkt.WillRetain = c.opts.Will.Retained
	}

	data, err := pkt.Encode(nil)
	if err != nil {
		c.failAttempt(newError(InternalError, "encode CONNECT: %v", err))
		return
	}
	c.reassembly = wire.NewReassemblyBuffer(c.version, c.maxIncomingPacket())
	if err := c.sendFrameRaw(data); err != nil {
		c.failAttempt(newError(SocketError, "send CONNECT: %v", err))
	}
}

// sendFrameRaw writes directly to the transport without touching the
// pinger (used before the pinger exists yet, during the CONNECT handshake).
func (c *Client) sendFrameRaw(data []byte) error {
	if c.transport == nil {
		return newError(InvalidState, "not connected")
	}
	if err := c.transport.Send(data); err != nil {
		return err
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(data))
	return nil
}

func (c *Client) handleTransportMessage(e evTransportMessage) {
	if e.epoch != c.connEpoch {
		return
	}
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(len(e.data))

	if c.reassembly == nil {
		return
	}
	packets, err := c.reassembly.Feed(e.data)
	if err != nil {
		c.onFatalProtocolError(newError(InternalError, "decode inbound frame: %v", err))
		return
	}
	for _, pkt := range packets {
		c.handlePacket(pkt)
	}
}

// handlePacket routes one decoded control packet. During the handshake
// only CONNACK is legal; afterward the full dispatcher table applies.
func (c *Client) handlePacket(pkt wire.Packet) {
	if c.pinger != nil {
		c.pinger.reset()
	}

	if c.state == stateConnecting {
		if connack, ok := pkt.(*wire.ConnackPacket); ok {
			c.handleConnack(connack)
			return
		}
		c.onFatalProtocolError(newError(InvalidMQTTMessageType, "expected CONNACK, got %s", wire.PacketNames[pkt.Type()]))
		return
	}

	switch p := pkt.(type) {
	case *wire.PublishPacket:
		c.handleInboundPublish(p)
	case *wire.PubackPacket:
		c.handlePuback(p)
	case *wire.PubrecPacket:
		c.handlePubrec(p)
	case *wire.PubrelPacket:
		c.handlePubrel(p)
	case *wire.PubcompPacket:
		c.handlePubcomp(p)
	case *wire.SubackPacket:
		c.handleSuback(p)
	case *wire.UnsubackPacket:
		c.handleUnsuback(p)
	case *wire.PingrespPacket:
		// keep-alive reset already happened above; nothing else to do.
	case *wire.DisconnectPacket:
		c.onFatalProtocolError(newError(InvalidMQTTMessageType, "server sent DISCONNECT, which clients never receive"))
	default:
		c.onFatalProtocolError(newError(InvalidMQTTMessageType, "unexpected packet type %s", wire.PacketNames[pkt.Type()]))
	}
}

// handleConnack implements spec.md section 4.6's CONNACK handling: cancel
// the connect timeout, wipe session state on CleanSession, reject non-zero
// return codes, and otherwise mark connected and replay in-flight state.
func (c *Client) handleConnack(pkt *wire.ConnackPacket) {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}

	if pkt.ReturnCode != wire.ConnAccepted {
		c.failAttempt(&MqttError{Code: ConnackReturnCode, Message: connackReturnCodeText(pkt.ReturnCode), ReturnCode: pkt.ReturnCode})
		return
	}

	if c.opts.CleanSession {
		c.wipeSession()
	}

	// connectToken is nil only for an automatic reconnect cycle (see
	// failAttempt); the state here is always stateConnecting.
	reconnected := c.connectToken == nil
	c.state = stateConnected
	c.hostIndex = len(c.uris) // pin: stop failover once connected
	c.reconnectInterval = minReconnectInterval

	pingerEpoch := c.connEpoch
	c.pinger = newPinger(c.opts.KeepAlive, func() { c.post(evPingerFire{epoch: pingerEpoch}) })
	c.pinger.reset()

	replay := c.buildReplayList()
	for _, item := range replay {
		if item.publish != nil {
			data, err := item.publish.Encode(nil)
			if err != nil {
				continue
			}
			_ = c.sendFrame(data)
			if item.tok != nil {
				item.tok.complete(nil)
			}
			continue
		}
		data, err := (&wire.PubrelPacket{PacketID: item.pubrelID}).Encode(nil)
		if err != nil {
			continue
		}
		_ = c.sendFrame(data)
	}
	c.disconnectedBuffer = c.disconnectedBuffer[:0]

	if c.connectToken != nil {
		c.connectToken.complete(nil)
		c.connectToken = nil
	}
	if c.opts.OnSuccess != nil {
		c.opts.OnSuccess()
	}
	c.fireConnected(reconnected, c.uris[len(c.uris)-1])

	c.drainOutboundQueue()
}

// failAttempt is invoked for errors that occur before CONNACK succeeds:
// socket errors, connect timeouts, and non-zero CONNACK return codes. It
// implements the multi-host failover and v4->v3 version fallback of
// spec.md section 4.6. Exhausting every host and version falls back
// differently depending on what started this connecting phase:
// connectToken is only set for an explicit Connect() call, so its presence
// tells failAttempt whether to report failure to the caller or, for an
// automatic reconnect whose retries all failed, go back to backoff instead
// of getting stuck idle with Reconnect still requested.
func (c *Client) failAttempt(err error) {
	c.teardownTransport()

	c.hostIndex++
	if c.hostIndex < len(c.uris) {
		c.dialCurrentHost()
		return
	}

	if c.version == wire.Version311 && !c.opts.mqttVersionSet {
		c.version = wire.Version31
		c.hostIndex = 0
		c.dialCurrentHost()
		return
	}

	if c.connectToken == nil && c.opts.Reconnect {
		c.state = stateReconnecting
		c.armReconnectTimer()
		return
	}

	c.state = stateIdle
	if c.connectToken != nil {
		c.connectToken.complete(err)
		c.connectToken = nil
	}
	if c.opts.OnFailure != nil {
		c.opts.OnFailure(err)
	}
}

func (c *Client) handleConnectTimeout(e evConnectTimeout) {
	if e.epoch != c.connEpoch || c.state != stateConnecting {
		return
	}
	c.failAttempt(newError(ConnectTimeout, "no CONNACK within %s", c.opts.Timeout))
}

func (c *Client) handleTransportError(e evTransportError) {
	if e.epoch != c.connEpoch {
		return
	}
	switch c.state {
	case stateConnecting:
		c.failAttempt(newError(SocketError, "%v", e.err))
	case stateConnected:
		c.onConnectionDropped(newError(SocketError, "%v", e.err))
	}
}

func (c *Client) handleTransportClose(e evTransportClose) {
	if e.epoch != c.connEpoch {
		return
	}
	switch c.state {
	case stateConnecting:
		c.failAttempt(newError(SocketClose, "transport closed during connect"))
	case stateConnected:
		c.onConnectionDropped(newError(SocketClose, "transport closed"))
	}
}

// onFatalProtocolError tears the connection down as onConnectionDropped
// does, but always with the given protocol-level error regardless of
// state, used for malformed/unexpected packets.
func (c *Client) onFatalProtocolError(err error) {
	if c.state == stateConnected {
		c.onConnectionDropped(err)
		return
	}
	c.failAttempt(err)
}

// onConnectionDropped handles the loss of an established connection: it
// tears down the transport and pinger, fires onConnectionLost, and either
// begins reconnect backoff or goes idle.
func (c *Client) onConnectionDropped(err error) {
	c.teardownTransport()
	if c.pinger != nil {
		c.pinger.stop()
		c.pinger = nil
	}
	c.outboundQueue = nil
	c.fireConnectionLost(err)

	if !c.opts.Reconnect {
		c.state = stateIdle
		return
	}

	c.state = stateReconnecting
	c.stats.ReconnectCount++
	c.armReconnectTimer()
}

func (c *Client) armReconnectTimer() {
	epoch := c.connEpoch
	interval := c.reconnectInterval
	c.reconnectTimer = time.AfterFunc(interval, func() { c.post(evReconnectTimer{epoch: epoch}) })

	c.reconnectInterval *= 2
	if c.reconnectInterval > maxReconnectInterval {
		c.reconnectInterval = maxReconnectInterval
	}
}

func (c *Client) cancelReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) handleReconnectTimer(e evReconnectTimer) {
	if e.epoch != c.connEpoch || c.state != stateReconnecting {
		return
	}
	c.connEpoch++
	c.hostIndex = 0
	c.versionFellBack = false
	c.state = stateConnecting
	c.dialCurrentHost()
}

// handleDisconnect sends DISCONNECT (if connected) and returns the client
// to idle, cancelling any pending timers.
func (c *Client) handleDisconnect() {
	c.connEpoch++
	c.cancelReconnectTimer()
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}

	wasConnected := c.state == stateConnected
	if wasConnected {
		data, err := (&wire.DisconnectPacket{}).Encode(nil)
		if err == nil {
			_ = c.sendFrame(data)
		}
	}

	if c.pinger != nil {
		c.pinger.stop()
		c.pinger = nil
	}
	c.teardownTransport()
	c.state = stateIdle
	c.outboundQueue = nil

	if c.connectToken != nil {
		c.connectToken.complete(ErrClientDisconnected)
		c.connectToken = nil
	}
}

func (c *Client) teardownTransport() {
	if c.transport != nil {
		_ = c.transport.Close(1000, "")
		c.transport = nil
	}
	c.reassembly = nil
}

func (c *Client) handlePingerFire(e evPingerFire) {
	if e.epoch != c.connEpoch || c.pinger == nil || c.state != stateConnected {
		return
	}
	if c.pinger.isReset {
		data, err := (&wire.PingreqPacket{}).Encode(nil)
		if err == nil {
			// sendFrameRaw, not sendFrame: sending our own keep-alive ping
			// must not reset the pinger, or a dead link could never time out.
			if err := c.sendFrameRaw(data); err != nil {
				c.onConnectionDropped(newError(SocketError, "send PINGREQ: %v", err))
				return
			}
		}
		c.pinger.armQuiet()
		return
	}
	c.onConnectionDropped(newError(PingTimeout, "no PINGRESP or inbound traffic since last PINGREQ"))
}
