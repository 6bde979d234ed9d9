package mq

import (
	"time"

	"github.com/corvidae/wsmqtt/internal/wire"
)

// Events posted by the API surface for outbound operations.

type evPublish struct {
	topic    string
	payload  []byte
	qos      uint8
	retained bool
	tok      *token
}

type evSubscribe struct {
	topics []string
	qos    []uint8
	tok    *SubscribeToken
}

type evUnsubscribe struct {
	topics []string
	tok    *token
}

// evSubUnsubTimeout fires when a SUBSCRIBE or UNSUBSCRIBE outstanding for
// longer than defaultRequestTimeout hasn't been acknowledged. epoch guards
// against a timer armed against a connection that has since been
// replaced.
type evSubUnsubTimeout struct {
	id    uint16
	epoch uint64
}

// defaultRequestTimeout bounds how long a SUBSCRIBE/UNSUBSCRIBE waits for
// its SUBACK/UNSUBACK before the pending Token fails with
// SubscribeTimeout/UnsubscribeTimeout (spec.md section 4.7: "per-packet
// timeOut timers").
const defaultRequestTimeout = 20 * time.Second

// enqueueOutbound pushes data onto the front of the outbound queue and
// immediately attempts to drain it. Pushing at the front and draining from
// the back (spec.md section 4.7's LIFO-push/LIFO-pop discipline) yields
// FIFO emission order for anything queued in a single actor tick.
func (c *Client) enqueueOutbound(data []byte, onDispatched func()) {
	c.outboundQueue = append([]queuedFrame{{data: data, onDispatched: onDispatched}}, c.outboundQueue...)
	c.drainOutboundQueue()
}

func (c *Client) drainOutboundQueue() {
	for c.state == stateConnected && len(c.outboundQueue) > 0 {
		n := len(c.outboundQueue)
		frame := c.outboundQueue[n-1]
		c.outboundQueue = c.outboundQueue[:n-1]
		if err := c.sendFrame(frame.data); err != nil {
			c.onConnectionDropped(newError(SocketError, "send: %v", err))
			return
		}
		if frame.onDispatched != nil {
			frame.onDispatched()
		}
	}
}

// handlePublish implements the QoS 0/1/2 send-side state machines (spec.md
// section 4.7). QoS 0 is fire-and-forget: sent immediately if connected,
// optionally buffered if not. QoS 1/2 always go through the Outbox so they
// survive a reconnect; the Token completes on PUBACK (QoS 1) or PUBCOMP
// (QoS 2), never at send time.
func (c *Client) handlePublish(e evPublish) {
	if e.qos == wire.QoS0 {
		c.handlePublishQoS0(e)
		return
	}

	id, err := c.allocateID()
	if err != nil {
		e.tok.complete(err)
		return
	}
	pp := &pendingPublish{
		topic:    e.topic,
		payload:  e.payload,
		qos:      e.qos,
		retained: e.retained,
		tok:      e.tok,
	}
	entry := &outboxEntry{id: id, kind: wire.Publish, publish: pp}
	c.storeOutbound(entry)
	if err := c.persistSent(entry); err != nil {
		c.logger.Warn("mq: persist outbound publish failed", "error", err)
	}

	if c.state != stateConnected {
		// Left in the Outbox; handleConnack's replay list picks it up on
		// the next successful CONNACK.
		return
	}
	pkt := &wire.PublishPacket{QoS: e.qos, Retain: e.retained, Topic: e.topic, PacketID: id, Payload: e.payload}
	data, err := pkt.Encode(nil)
	if err != nil {
		e.tok.complete(newError(InternalError, "encode PUBLISH: %v", err))
		return
	}
	c.enqueueOutbound(data, nil)
}

func (c *Client) handlePublishQoS0(e evPublish) {
	if c.state == stateConnected {
		pkt := &wire.PublishPacket{QoS: wire.QoS0, Retain: e.retained, Topic: e.topic, Payload: e.payload}
		data, err := pkt.Encode(nil)
		if err != nil {
			e.tok.complete(newError(InternalError, "encode PUBLISH: %v", err))
			return
		}
		c.enqueueOutbound(data, func() { e.tok.complete(nil) })
		return
	}

	if !c.DisconnectedPublishing {
		e.tok.complete(newError(InvalidState, "not connected"))
		return
	}
	if len(c.disconnectedBuffer) >= c.DisconnectedBufferSize {
		e.tok.complete(newError(BufferFull, "disconnected publish buffer full: %d messages", c.DisconnectedBufferSize))
		return
	}
	c.disconnectedBuffer = append(c.disconnectedBuffer, &bufferedMessage{
		topic:    e.topic,
		payload:  e.payload,
		retained: e.retained,
		sequence: c.nextSequence(),
		tok:      e.tok,
	})
}

// handleSubscribe requires an established connection: unlike QoS>=1
// publishes, pending SUBSCRIBE/UNSUBSCRIBE requests are not part of the
// reconnect replay list (spec.md section 4.6 only replays PUBLISH/PUBREL),
// so queuing one while disconnected could never complete.
func (c *Client) handleSubscribe(e evSubscribe) {
	if c.state != stateConnected {
		e.tok.complete(newError(InvalidState, "not connected"))
		return
	}
	id, err := c.allocateID()
	if err != nil {
		e.tok.complete(err)
		return
	}
	entry := &outboxEntry{id: id, kind: wire.Subscribe, subscribeTopics: e.topics, subscribeQoS: e.qos, subToken: e.tok}
	c.storeOutbound(entry)

	pkt := &wire.SubscribePacket{PacketID: id, Topics: e.topics, QoS: e.qos}
	data, err := pkt.Encode(nil)
	if err != nil {
		delete(c.outbox, id)
		e.tok.complete(newError(InternalError, "encode SUBSCRIBE: %v", err))
		return
	}
	c.enqueueOutbound(data, nil)
	c.armSubUnsubTimeout(id)
}

func (c *Client) handleUnsubscribe(e evUnsubscribe) {
	if c.state != stateConnected {
		e.tok.complete(newError(InvalidState, "not connected"))
		return
	}
	id, err := c.allocateID()
	if err != nil {
		e.tok.complete(err)
		return
	}
	entry := &outboxEntry{id: id, kind: wire.Unsubscribe, unsubscribeTopics: e.topics, unsubToken: e.tok}
	c.storeOutbound(entry)

	pkt := &wire.UnsubscribePacket{PacketID: id, Topics: e.topics}
	data, err := pkt.Encode(nil)
	if err != nil {
		delete(c.outbox, id)
		e.tok.complete(newError(InternalError, "encode UNSUBSCRIBE: %v", err))
		return
	}
	c.enqueueOutbound(data, nil)
	c.armSubUnsubTimeout(id)
}

func (c *Client) armSubUnsubTimeout(id uint16) {
	epoch := c.connEpoch
	time.AfterFunc(defaultRequestTimeout, func() { c.post(evSubUnsubTimeout{id: id, epoch: epoch}) })
}

// handleSubUnsubTimeout fails the pending Token with a timeout error but
// leaves the Outbox entry in place: spec.md section 9's open question (b)
// leaves a late SUBACK/UNSUBACK arriving after the timeout as unspecified,
// so handleSuback/handleUnsuback are still allowed to find and complete it
// — a second Token.complete is a harmless no-op.
func (c *Client) handleSubUnsubTimeout(e evSubUnsubTimeout) {
	if e.epoch != c.connEpoch {
		return
	}
	entry, ok := c.outbox[e.id]
	if !ok || entry.timeoutFired {
		return
	}
	entry.timeoutFired = true
	switch entry.kind {
	case wire.Subscribe:
		entry.subToken.complete(newError(SubscribeTimeout, "no SUBACK for packet id %d", e.id))
	case wire.Unsubscribe:
		entry.unsubToken.complete(newError(UnsubscribeTimeout, "no UNSUBACK for packet id %d", e.id))
	}
}

// handleInboundPublish implements the QoS 0/1/2 receive-side state
// machines. QoS 2 delivers to the application once, on first receipt of
// PUBLISH (deduplicated against the Inbox); PUBREL only triggers PUBCOMP
// and cleanup, never a second delivery.
func (c *Client) handleInboundPublish(pkt *wire.PublishPacket) {
	msg := Message{Topic: pkt.Topic, Payload: pkt.Payload, QoS: QoS(pkt.QoS), Retained: pkt.Retain, Duplicate: pkt.Dup}

	switch pkt.QoS {
	case wire.QoS0:
		c.fireMessageArrived(msg)

	case wire.QoS1:
		c.fireMessageArrived(msg)
		data, err := (&wire.PubackPacket{PacketID: pkt.PacketID}).Encode(nil)
		if err == nil {
			c.enqueueOutbound(data, nil)
		}

	case wire.QoS2:
		if _, exists := c.inbox[pkt.PacketID]; !exists {
			entry := &inboxEntry{topic: pkt.Topic, payload: pkt.Payload, retained: pkt.Retain}
			c.storeInbound(pkt.PacketID, entry)
			if err := c.persistReceived(pkt.PacketID, entry); err != nil {
				c.logger.Warn("mq: persist inbound publish failed", "error", err)
			}
			c.fireMessageArrived(msg)
		}
		data, err := (&wire.PubrecPacket{PacketID: pkt.PacketID}).Encode(nil)
		if err == nil {
			c.enqueueOutbound(data, nil)
		}
	}
}

func (c *Client) handlePuback(pkt *wire.PubackPacket) {
	entry, ok := c.outbox[pkt.PacketID]
	if !ok || entry.kind != wire.Publish || entry.publish.qos != wire.QoS1 {
		c.logger.Warn("mq: unexpected PUBACK", "packet_id", pkt.PacketID)
		return
	}
	delete(c.outbox, pkt.PacketID)
	_ = c.deleteSent(pkt.PacketID)
	entry.publish.tok.complete(nil)
	c.fireMessageDelivered(Message{Topic: entry.publish.topic, Payload: entry.publish.payload, QoS: AtLeastOnce, Retained: entry.publish.retained})
}

func (c *Client) handlePubrec(pkt *wire.PubrecPacket) {
	entry, ok := c.outbox[pkt.PacketID]
	if !ok || entry.kind != wire.Publish || entry.publish.qos != wire.QoS2 {
		c.logger.Warn("mq: unexpected PUBREC", "packet_id", pkt.PacketID)
		return
	}
	entry.publish.pubRecReceived = true
	if err := c.persistSent(entry); err != nil {
		c.logger.Warn("mq: persist PUBREC state failed", "error", err)
	}
	data, err := (&wire.PubrelPacket{PacketID: pkt.PacketID}).Encode(nil)
	if err == nil {
		c.enqueueOutbound(data, nil)
	}
}

// handlePubrel always emits PUBCOMP (spec.md section 4.7's "unconditional
// PUBCOMP emission"), whether or not the packet id is still in the Inbox —
// a retransmitted PUBREL after the Inbox entry was already cleaned up must
// still be acknowledged, or the peer retries forever.
func (c *Client) handlePubrel(pkt *wire.PubrelPacket) {
	delete(c.inbox, pkt.PacketID)
	_ = c.deleteReceived(pkt.PacketID)
	data, err := (&wire.PubcompPacket{PacketID: pkt.PacketID}).Encode(nil)
	if err == nil {
		c.enqueueOutbound(data, nil)
	}
}

func (c *Client) handlePubcomp(pkt *wire.PubcompPacket) {
	entry, ok := c.outbox[pkt.PacketID]
	if !ok || entry.kind != wire.Publish || entry.publish.qos != wire.QoS2 {
		c.logger.Warn("mq: unexpected PUBCOMP", "packet_id", pkt.PacketID)
		return
	}
	delete(c.outbox, pkt.PacketID)
	_ = c.deleteSent(pkt.PacketID)
	entry.publish.tok.complete(nil)
	c.fireMessageDelivered(Message{Topic: entry.publish.topic, Payload: entry.publish.payload, QoS: ExactlyOnce, Retained: entry.publish.retained})
}

func (c *Client) handleSuback(pkt *wire.SubackPacket) {
	entry, ok := c.outbox[pkt.PacketID]
	if !ok || entry.kind != wire.Subscribe {
		c.logger.Warn("mq: unexpected SUBACK", "packet_id", pkt.PacketID)
		return
	}
	delete(c.outbox, pkt.PacketID)

	result := SubAckResult{ReturnCodes: pkt.ReturnCodes, GrantedQoS: make([]uint8, len(pkt.ReturnCodes))}
	for i, rc := range pkt.ReturnCodes {
		if rc == wire.SubackFailure {
			result.Failed = true
			continue
		}
		result.GrantedQoS[i] = rc
	}
	entry.subToken.result = result
	if result.Failed {
		entry.subToken.complete(newError(Unsupported, "one or more subscriptions refused"))
		return
	}
	entry.subToken.complete(nil)
}

func (c *Client) handleUnsuback(pkt *wire.UnsubackPacket) {
	entry, ok := c.outbox[pkt.PacketID]
	if !ok || entry.kind != wire.Unsubscribe {
		c.logger.Warn("mq: unexpected UNSUBACK", "packet_id", pkt.PacketID)
		return
	}
	delete(c.outbox, pkt.PacketID)
	entry.unsubToken.complete(nil)
}
