package mq

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/corvidae/wsmqtt/internal/wire"
)

// outboxEntry is a sent packet awaiting its acknowledgement: a QoS>=1
// PUBLISH, a SUBSCRIBE or an UNSUBSCRIBE. Only PUBLISH entries are
// persisted (spec.md section 3).
type outboxEntry struct {
	id   uint16
	kind uint8 // wire.Publish, wire.Subscribe or wire.Unsubscribe

	publish *pendingPublish

	subscribeTopics []string
	subscribeQoS    []uint8
	subToken        *SubscribeToken

	unsubscribeTopics []string
	unsubToken        *token

	timeoutFired bool
}

// pendingPublish is the durable half of an in-flight QoS 1/2 publish.
type pendingPublish struct {
	topic     string
	payload   []byte
	qos       uint8
	retained  bool
	duplicate bool
	sequence  uint32

	pubRecReceived bool // QoS 2 only: PUBREC seen, PUBREL sent/pending

	tok *token
}

// inboxEntry is a QoS-2 PUBLISH received from the peer, held until its
// PUBREL arrives.
type inboxEntry struct {
	topic    string
	payload  []byte
	retained bool
}

// bufferedMessage is a QoS-0 publish queued while disconnected.
type bufferedMessage struct {
	topic    string
	payload  []byte
	retained bool
	sequence uint32
	tok      *token
}

// allocateID implements the rolling-cursor identifier allocator (spec.md
// section 4.3): it scans forward from the cursor, skipping ids already in
// the Outbox, and never decrements on release — released ids are only
// revisited on the next wrap.
func (c *Client) allocateID() (uint16, error) {
	if len(c.outbox) >= 65535 {
		return 0, newError(BufferFull, "outbox full: 65535 in-flight identifiers")
	}
	for {
		id := c.idCursor
		c.idCursor++
		if c.idCursor == 0 { // uint16 wrapped past 65535
			c.idCursor = 1
		}
		if id == 0 {
			continue
		}
		if _, occupied := c.outbox[id]; !occupied {
			return id, nil
		}
	}
}

// nextSequence returns the next value of the strictly increasing sequence
// counter stamped on stored outbound PUBLISH packets and buffered QoS-0
// messages, defining replay order after reconnect.
func (c *Client) nextSequence() uint32 {
	c.sequence++
	return c.sequence
}

// storeOutbound installs entry in the Outbox under entry.id.
func (c *Client) storeOutbound(entry *outboxEntry) {
	c.outbox[entry.id] = entry
}

// storeInbound installs entry in the Inbox under id.
func (c *Client) storeInbound(id uint16, entry *inboxEntry) {
	c.inbox[id] = entry
}

// persistedRecord is the JSON shape written to the PersistenceAdapter,
// matching spec.md section 3's record description.
type persistedRecord struct {
	Type              uint8   `json:"type"`
	MessageIdentifier uint16  `json:"messageIdentifier"`
	Version           int     `json:"version"`
	Sequence          *uint32 `json:"sequence,omitempty"`
	PubRecReceived    bool    `json:"pubRecReceived,omitempty"`
	PayloadMessage    persistedPayload `json:"payloadMessage"`
}

type persistedPayload struct {
	PayloadHex      string `json:"payloadHex"`
	QoS             uint8  `json:"qos"`
	DestinationName string `json:"destinationName"`
	Duplicate       bool   `json:"duplicate,omitempty"`
	Retained        bool   `json:"retained,omitempty"`
}

const persistedRecordVersion = 1

func sentKey(uri, clientID string, id uint16) string {
	return fmt.Sprintf("Sent:%s:%s:%d", uri, clientID, id)
}

func receivedKey(uri, clientID string, id uint16) string {
	return fmt.Sprintf("Received:%s:%s:%d", uri, clientID, id)
}

// persistSent writes (or rewrites) the Sent: record for a PUBLISH Outbox
// entry, assigning a sequence number the first time it is persisted.
func (c *Client) persistSent(entry *outboxEntry) error {
	p := entry.publish
	if p.sequence == 0 {
		p.sequence = c.nextSequence()
	}
	rec := persistedRecord{
		Type:              wire.Publish,
		MessageIdentifier: entry.id,
		Version:           persistedRecordVersion,
		Sequence:          &p.sequence,
		PubRecReceived:    p.pubRecReceived,
		PayloadMessage: persistedPayload{
			PayloadHex:      hex.EncodeToString(p.payload),
			QoS:             p.qos,
			DestinationName: p.topic,
			Duplicate:       p.duplicate,
			Retained:        p.retained,
		},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mq: marshal persisted record: %w", err)
	}
	return c.persistence.Set(sentKey(c.uri, c.id, entry.id), string(data))
}

// deleteSent removes the Sent: record for id.
func (c *Client) deleteSent(id uint16) error {
	return c.persistence.Remove(sentKey(c.uri, c.id, id))
}

// persistReceived writes the Received: record for a QoS-2 Inbox entry.
func (c *Client) persistReceived(id uint16, entry *inboxEntry) error {
	rec := persistedRecord{
		Type:              wire.Publish,
		MessageIdentifier: id,
		Version:           persistedRecordVersion,
		PayloadMessage: persistedPayload{
			PayloadHex:      hex.EncodeToString(entry.payload),
			QoS:             wire.QoS2,
			DestinationName: entry.topic,
			Retained:        entry.retained,
		},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mq: marshal persisted record: %w", err)
	}
	return c.persistence.Set(receivedKey(c.uri, c.id, id), string(data))
}

// deleteReceived removes the Received: record for id.
func (c *Client) deleteReceived(id uint16) error {
	return c.persistence.Remove(receivedKey(c.uri, c.id, id))
}

// restoreSession reloads Outbox/Inbox state from the PersistenceAdapter at
// construction time. Restored outbound PUBLISH packets are marked
// duplicate=true (spec.md section 4.4); any non-PUBLISH or unrecognized
// schema version is corruption and aborts construction.
func (c *Client) restoreSession() error {
	sentPrefix := fmt.Sprintf("Sent:%s:%s:", c.uri, c.id)
	receivedPrefix := fmt.Sprintf("Received:%s:%s:", c.uri, c.id)

	keys, err := c.persistence.EnumerateKeys()
	if err != nil {
		return fmt.Errorf("mq: enumerate persisted keys: %w", err)
	}

	var maxSeq uint32
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, sentPrefix):
			id, err := idFromKey(key, sentPrefix)
			if err != nil {
				return err
			}
			rec, err := c.loadRecord(key)
			if err != nil {
				return err
			}
			payload, err := hex.DecodeString(rec.PayloadMessage.PayloadHex)
			if err != nil {
				return newError(InvalidStoredData, "payload hex decode: %v", err)
			}
			seq := uint32(0)
			if rec.Sequence != nil {
				seq = *rec.Sequence
			}
			c.outbox[id] = &outboxEntry{
				id:   id,
				kind: wire.Publish,
				publish: &pendingPublish{
					topic:          rec.PayloadMessage.DestinationName,
					payload:        payload,
					qos:            rec.PayloadMessage.QoS,
					retained:       rec.PayloadMessage.Retained,
					duplicate:      true,
					sequence:       seq,
					pubRecReceived: rec.PubRecReceived,
				},
			}
			if seq > maxSeq {
				maxSeq = seq
			}
			if id >= c.idCursor {
				c.idCursor = id + 1
			}

		case strings.HasPrefix(key, receivedPrefix):
			id, err := idFromKey(key, receivedPrefix)
			if err != nil {
				return err
			}
			rec, err := c.loadRecord(key)
			if err != nil {
				return err
			}
			payload, err := hex.DecodeString(rec.PayloadMessage.PayloadHex)
			if err != nil {
				return newError(InvalidStoredData, "payload hex decode: %v", err)
			}
			c.inbox[id] = &inboxEntry{
				topic:    rec.PayloadMessage.DestinationName,
				payload:  payload,
				retained: rec.PayloadMessage.Retained,
			}
			if id >= c.idCursor {
				c.idCursor = id + 1
			}
		}
	}
	if c.idCursor > 65535 {
		c.idCursor = 1
	}
	c.sequence = maxSeq
	return nil
}

func (c *Client) loadRecord(key string) (*persistedRecord, error) {
	raw, ok, err := c.persistence.Get(key)
	if err != nil {
		return nil, fmt.Errorf("mq: read %q: %w", key, err)
	}
	if !ok {
		return nil, newError(InvalidStoredData, "enumerated key %q vanished", key)
	}
	var rec persistedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, newError(InvalidStoredData, "unmarshal %q: %v", key, err)
	}
	if rec.Version != persistedRecordVersion {
		return nil, newError(InvalidStoredData, "%q has unsupported schema version %d", key, rec.Version)
	}
	if rec.Type != wire.Publish {
		return nil, newError(InvalidStoredData, "%q stores non-PUBLISH record type %d", key, rec.Type)
	}
	return &rec, nil
}

func idFromKey(key, prefix string) (uint16, error) {
	idStr := strings.TrimPrefix(key, prefix)
	id, err := strconv.ParseUint(idStr, 10, 16)
	if err != nil {
		return 0, newError(InvalidStoredData, "malformed persistence key %q", key)
	}
	return uint16(id), nil
}

// wipeSession clears the Outbox, Inbox and their persistence, used on a
// clean-session CONNACK.
func (c *Client) wipeSession() {
	for id := range c.outbox {
		if c.outbox[id].kind == wire.Publish {
			_ = c.deleteSent(id)
		}
	}
	for id := range c.inbox {
		_ = c.deleteReceived(id)
	}
	c.outbox = make(map[uint16]*outboxEntry)
	c.inbox = make(map[uint16]*inboxEntry)
	c.disconnectedBuffer = c.disconnectedBuffer[:0]
}

// replayItem is one entry of the sequence-ordered list rebuilt after a
// non-clean-session CONNACK (spec.md section 4.6).
type replayItem struct {
	sequence uint32
	publish  *wire.PublishPacket // nil if this replay item is a PUBREL
	pubrelID uint16
	entryID  uint16

	// tok is completed once this item is actually handed to the
	// transport. Only set for buffered QoS-0 messages, which have no
	// acknowledgement to wait for; Outbox PUBLISH entries complete their
	// token on PUBACK/PUBCOMP instead.
	tok *token
}

// buildReplayList gathers every in-flight Outbox PUBLISH and every
// currently buffered QoS-0 message, sorted by sequence ascending. An
// Outbox PUBLISH with pubRecReceived=true replays as a PUBREL, not a
// PUBLISH, since the peer already has the message (spec.md section 4.6).
func (c *Client) buildReplayList() []replayItem {
	var items []replayItem
	for id, entry := range c.outbox {
		if entry.kind != wire.Publish {
			continue
		}
		p := entry.publish
		if p.pubRecReceived {
			items = append(items, replayItem{sequence: p.sequence, pubrelID: id, entryID: id})
			continue
		}
		items = append(items, replayItem{
			sequence: p.sequence,
			entryID:  id,
			publish: &wire.PublishPacket{
				Dup:      p.duplicate,
				QoS:      p.qos,
				Retain:   p.retained,
				Topic:    p.topic,
				PacketID: id,
				Payload:  p.payload,
			},
		})
	}
	for _, b := range c.disconnectedBuffer {
		items = append(items, replayItem{
			sequence: b.sequence,
			publish: &wire.PublishPacket{
				QoS:     wire.QoS0,
				Retain:  b.retained,
				Topic:   b.topic,
				Payload: b.payload,
			},
			tok: b.tok,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].sequence < items[j].sequence })
	return items
}
