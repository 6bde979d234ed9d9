package mq

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/corvidae/wsmqtt/internal/wire"
)

func newSessionTestClient(t *testing.T, persistence PersistenceAdapter, uri, clientID string) *Client {
	t.Helper()
	if persistence == nil {
		persistence = NewMemoryStore()
	}
	c, err := NewClient(uri, ClientConfig{
		ClientID:    clientID,
		Persistence: persistence,
		Dial:        (&fakeDialer{}).dial,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestAllocateIDSkipsOccupied(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(t, d)

	c.outbox[1] = &outboxEntry{id: 1, kind: wire.Subscribe}
	c.outbox[2] = &outboxEntry{id: 2, kind: wire.Subscribe}
	c.idCursor = 1

	id, err := c.allocateID()
	if err != nil {
		t.Fatalf("allocateID: %v", err)
	}
	if id != 3 {
		t.Errorf("allocateID() = %d, want 3 (1 and 2 occupied)", id)
	}
}

func TestAllocateIDWrapsAtUpperBound(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(t, d)

	c.idCursor = 65535
	c.outbox[65535] = &outboxEntry{id: 65535, kind: wire.Subscribe}

	id, err := c.allocateID()
	if err != nil {
		t.Fatalf("allocateID: %v", err)
	}
	if id != 1 {
		t.Errorf("allocateID() = %d, want 1 (wrap past 65535, skip occupied)", id)
	}
}

func TestAllocateIDFullReturnsBufferFull(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(t, d)

	for i := 1; i <= 65535; i++ {
		c.outbox[uint16(i)] = &outboxEntry{id: uint16(i), kind: wire.Subscribe}
	}

	_, err := c.allocateID()
	if err == nil {
		t.Fatal("allocateID() on a full outbox = nil error, want BufferFull")
	}
	var mqErr *MqttError
	if !errors.As(err, &mqErr) {
		t.Fatalf("error is %T, want *MqttError", err)
	}
	if mqErr.Code != BufferFull {
		t.Errorf("error code = %v, want %v", mqErr.Code, BufferFull)
	}
}

// TestBuildReplayListOrdering covers the replay-list half of scenario S3:
// in-flight publishes and buffered QoS-0 messages come back out sorted by
// sequence, and an entry that already saw PUBREC replays as PUBREL rather
// than as a second PUBLISH.
func TestBuildReplayListOrdering(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(t, d)

	c.outbox[10] = &outboxEntry{
		id:   10,
		kind: wire.Publish,
		publish: &pendingPublish{
			topic: "a", payload: []byte("1"), qos: wire.QoS1, sequence: 3,
		},
	}
	c.outbox[20] = &outboxEntry{
		id:   20,
		kind: wire.Publish,
		publish: &pendingPublish{
			topic: "b", payload: []byte("2"), qos: wire.QoS2, sequence: 1, pubRecReceived: true,
		},
	}
	c.disconnectedBuffer = append(c.disconnectedBuffer, &bufferedMessage{
		topic: "c", payload: []byte("3"), sequence: 2,
	})

	items := c.buildReplayList()
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	for i, seq := range []uint32{1, 2, 3} {
		if items[i].sequence != seq {
			t.Errorf("items[%d].sequence = %d, want %d", i, items[i].sequence, seq)
		}
	}
	if items[0].publish != nil || items[0].pubrelID != 20 {
		t.Errorf("items[0] (seq 1, pubRecReceived) should replay as PUBREL for id 20, got publish=%v pubrelID=%d", items[0].publish, items[0].pubrelID)
	}
	if items[1].publish == nil || items[1].publish.QoS != wire.QoS0 {
		t.Errorf("items[1] (seq 2, buffered) should replay as a QoS0 PUBLISH")
	}
	if items[2].publish == nil || items[2].entryID != 10 || items[2].publish.QoS != wire.QoS1 {
		t.Errorf("items[2] (seq 3, outbox) should replay as the QoS1 PUBLISH for id 10")
	}
}

func marshalSentRecord(t *testing.T, typ uint8, version int, id uint16, seq uint32, pubRecReceived bool, payload string) string {
	t.Helper()
	rec := persistedRecord{
		Type:              typ,
		MessageIdentifier: id,
		Version:           version,
		Sequence:          &seq,
		PubRecReceived:    pubRecReceived,
		PayloadMessage: persistedPayload{
			PayloadHex:      hex.EncodeToString([]byte(payload)),
			QoS:             wire.QoS1,
			DestinationName: "restored/topic",
		},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal persisted record: %v", err)
	}
	return string(data)
}

func TestRestoreSessionMarksDuplicateAndAdvancesCursor(t *testing.T) {
	store := NewMemoryStore()
	uri, clientID := "ws://broker.example/mqtt", "restore-client"
	if err := store.Set(sentKey(uri, clientID, 7), marshalSentRecord(t, wire.Publish, persistedRecordVersion, 7, 5, true, "payload")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c := newSessionTestClient(t, store, uri, clientID)

	entry, ok := c.outbox[7]
	if !ok {
		t.Fatal("restored outbox entry for id 7 not found")
	}
	if !entry.publish.duplicate {
		t.Error("restored PUBLISH entry should be marked duplicate")
	}
	if !entry.publish.pubRecReceived {
		t.Error("restored PUBLISH entry should preserve pubRecReceived")
	}
	if entry.publish.sequence != 5 {
		t.Errorf("restored sequence = %d, want 5", entry.publish.sequence)
	}
	if c.idCursor != 8 {
		t.Errorf("idCursor after restore = %d, want 8 (past the highest restored id)", c.idCursor)
	}
	if c.sequence != 5 {
		t.Errorf("sequence counter after restore = %d, want 5", c.sequence)
	}
}

func TestRestoreSessionRejectsUnsupportedVersion(t *testing.T) {
	store := NewMemoryStore()
	uri, clientID := "ws://broker.example/mqtt", "restore-bad-version"
	if err := store.Set(sentKey(uri, clientID, 1), marshalSentRecord(t, wire.Publish, 99, 1, 1, false, "x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err := NewClient(uri, ClientConfig{ClientID: clientID, Persistence: store, Dial: (&fakeDialer{}).dial})
	if err == nil {
		t.Fatal("NewClient with an unsupported stored schema version = nil error, want failure")
	}
	var mqErr *MqttError
	if !errors.As(err, &mqErr) {
		t.Fatalf("error is %T, want *MqttError", err)
	}
	if mqErr.Code != InvalidStoredData {
		t.Errorf("error code = %v, want %v", mqErr.Code, InvalidStoredData)
	}
}

func TestRestoreSessionRejectsNonPublishRecord(t *testing.T) {
	store := NewMemoryStore()
	uri, clientID := "ws://broker.example/mqtt", "restore-bad-type"
	if err := store.Set(sentKey(uri, clientID, 1), marshalSentRecord(t, wire.Subscribe, persistedRecordVersion, 1, 1, false, "x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err := NewClient(uri, ClientConfig{ClientID: clientID, Persistence: store, Dial: (&fakeDialer{}).dial})
	if err == nil {
		t.Fatal("NewClient with a non-PUBLISH stored record = nil error, want failure")
	}
	var mqErr *MqttError
	if !errors.As(err, &mqErr) {
		t.Fatalf("error is %T, want *MqttError", err)
	}
	if mqErr.Code != InvalidStoredData {
		t.Errorf("error code = %v, want %v", mqErr.Code, InvalidStoredData)
	}
}
