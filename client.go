package mq

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/xid"

	"github.com/corvidae/wsmqtt/internal/wire"
)

// connState is the ConnectionStateMachine's current state (spec.md
// section 4.6).
type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
	stateReconnecting
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TraceEntry is one record in the bounded trace ring buffer (spec.md
// section 9): "shared-mutable trace buffer is a bounded ring of the last
// 100 entries; drop oldest on overflow."
type TraceEntry struct {
	Timestamp time.Time
	Level     slog.Level
	Message   string
}

const traceCapacity = 100

// ClientStats is supplemental read-only telemetry, not named in spec.md
// but harmless to surface (grounded on the teacher's ClientStats/GetStats).
type ClientStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ReconnectCount  uint64
}

// ClientConfig is immutable configuration supplied once at construction
// (spec.md section 3: "ClientConfig (immutable after construction)").
type ClientConfig struct {
	// ClientID identifies this client to the server. If empty, a
	// collision-resistant id is generated via xid.New().
	ClientID string

	// Persistence durably snapshots the Outbox/Inbox so in-flight QoS>=1
	// state survives a process restart. Defaults to an ephemeral
	// MemoryStore if nil.
	Persistence PersistenceAdapter

	// Dial opens the transport for each connect attempt.
	Dial Dialer

	// Logger receives structured Debug/Warn logs for state transitions,
	// retries, and protocol errors. Defaults to a discard logger.
	Logger *slog.Logger

	// Limits, 0 meaning "use the spec default" (see topic.go).
	MaxTopicLength    int
	MaxPayloadSize    int
	MaxIncomingPacket int
}

// Client is the MQTT 3.1/3.1.1 session engine: one actor goroutine owns
// all mutable state and reacts to user API calls, transport callbacks and
// timers, exactly as spec.md section 5 describes.
type Client struct {
	id          string
	uri         string // scopes the active session's persistence keys
	persistence PersistenceAdapter
	dial        Dialer
	logger      *slog.Logger
	cfg         ClientConfig

	events chan any
	closed chan struct{}
	wg     sync.WaitGroup

	// --- actor-owned state below; touched only from run() ---

	state      connState
	transport  Transport
	reassembly *wire.ReassemblyBuffer
	version    uint8 // wire.Version31 or wire.Version311, currently negotiated

	opts ConnectOptions

	uris            []string
	hostIndex       int
	versionFellBack bool
	connEpoch       uint64
	connectTimer    *time.Timer
	connectToken    *token

	reconnectInterval time.Duration
	reconnectTimer    *time.Timer

	pinger *pinger

	outbox             map[uint16]*outboxEntry
	inbox              map[uint16]*inboxEntry
	idCursor           uint16
	sequence           uint32
	disconnectedBuffer []*bufferedMessage

	outboundQueue []queuedFrame

	// Settings, read at the point of use; set these before Connect.
	DisconnectedPublishing bool
	DisconnectedBufferSize int

	// Hooks, guarded by hooksMu since user code may assign from any
	// goroutine; the actor loop copies them out under the lock before use.
	hooksMu            sync.RWMutex
	onConnectionLost   func(err error)
	onMessageDelivered func(Message)
	onMessageArrived   func(Message)
	onConnected        func(reconnected bool, uri string)

	trace   []TraceEntry
	traceMu sync.Mutex
	tracing bool

	stats ClientStats
}

// queuedFrame is one entry of the outbound dispatcher queue (spec.md
// section 4.7): a pre-encoded packet plus the hook to fire once it has
// actually been written to the transport.
type queuedFrame struct {
	data         []byte
	onDispatched func()
}

// NewClient constructs a Client, restoring any persisted Outbox/Inbox
// state for (uri, cfg.ClientID) and starting its actor goroutine. uri
// scopes this Client's persistence keys for its whole lifetime: a later
// Connect may dial different URIs, and the session state is still stored
// under uri.
func NewClient(uri string, cfg ClientConfig) (*Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = xid.New().String()
	}
	if err := validateClientID(cfg.ClientID); err != nil {
		return nil, err
	}
	if cfg.Persistence == nil {
		cfg.Persistence = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Dial == nil {
		return nil, newError(InvalidArgument, "ClientConfig.Dial is required")
	}

	c := &Client{
		id:                     cfg.ClientID,
		uri:                    uri,
		persistence:            cfg.Persistence,
		dial:                   cfg.Dial,
		logger:                 cfg.Logger,
		cfg:                    cfg,
		events:                 make(chan any, 64),
		closed:                 make(chan struct{}),
		state:                  stateIdle,
		outbox:                 make(map[uint16]*outboxEntry),
		inbox:                  make(map[uint16]*inboxEntry),
		idCursor:               1,
		DisconnectedBufferSize: 5000,
	}

	if err := c.restoreSession(); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

func validateClientID(id string) error {
	n := utf8.RuneCountInString(id)
	if n < 1 || n > 65535 {
		return newError(InvalidArgument, "client id length %d out of range [1,65535]", n)
	}
	return nil
}

// post enqueues an event for the actor loop. It is safe to call from any
// goroutine, including timer callbacks.
func (c *Client) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// run is the single actor goroutine: it owns every field above and is the
// only goroutine allowed to mutate them.
func (c *Client) run() {
	defer c.wg.Done()
	defer close(c.closed)
	for ev := range c.events {
		if _, stop := ev.(evStop); stop {
			return
		}
		c.dispatch(ev)
	}
}

type evStop struct{}

// Close permanently stops the actor goroutine, disconnecting first if
// necessary. The Client must not be used afterward.
func (c *Client) Close() {
	c.post(evDisconnect{})
	c.post(evStop{})
	c.wg.Wait()
}

func (c *Client) dispatch(ev any) {
	switch e := ev.(type) {
	case evConnect:
		c.handleConnect(e)
	case evDisconnect:
		c.handleDisconnect()
	case evShutdown:
		c.handleShutdown(e)
	case evPublish:
		c.handlePublish(e)
	case evSubscribe:
		c.handleSubscribe(e)
	case evUnsubscribe:
		c.handleUnsubscribe(e)
	case evTransportOpen:
		c.handleTransportOpen(e)
	case evTransportMessage:
		c.handleTransportMessage(e)
	case evTransportError:
		c.handleTransportError(e)
	case evTransportClose:
		c.handleTransportClose(e)
	case evConnectTimeout:
		c.handleConnectTimeout(e)
	case evReconnectTimer:
		c.handleReconnectTimer(e)
	case evSubUnsubTimeout:
		c.handleSubUnsubTimeout(e)
	case evPingerFire:
		c.handlePingerFire(e)
	case queryConnected:
		c.handleQueryConnected(e)
	case queryStats:
		c.handleQueryStats(e)
	default:
		c.logger.Warn("mq: unhandled internal event", "type", fmt.Sprintf("%T", ev))
	}
}

// Connect starts a connect attempt per opts. It returns immediately; the
// outcome is delivered to opts.OnSuccess/opts.OnFailure and to the
// returned Token.
func (c *Client) Connect(opts ConnectOptions) Token {
	tok := newToken()
	if err := validateConnectOptions(&opts); err != nil {
		tok.complete(err)
		return tok
	}
	c.post(evConnect{opts: opts, tok: tok})
	return tok
}

// Disconnect sends DISCONNECT (if connected) and tears the session down.
// It blocks until the actor has processed the request and returns.
func (c *Client) Disconnect() {
	done := make(chan struct{})
	c.post(evDisconnect{})
	c.post(evShutdown{done: done})
	<-done
}

func (c *Client) handleShutdown(e evShutdown) {
	close(e.done)
}

// Publish sends a message with the given QoS. qos must be 0, 1 or 2.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retained bool) Token {
	tok := newToken()
	if err := validatePublishTopic(topic, c.validationOpts()); err != nil {
		tok.complete(newError(InvalidArgument, "%v", err))
		return tok
	}
	if err := validatePayload(payload, c.validationOpts()); err != nil {
		tok.complete(newError(InvalidArgument, "%v", err))
		return tok
	}
	if qos > 2 {
		tok.complete(newError(InvalidArgument, "qos %d out of range", qos))
		return tok
	}
	c.post(evPublish{topic: topic, payload: payload, qos: uint8(qos), retained: retained, tok: tok})
	return tok
}

// SubscribeToken is returned by Subscribe; in addition to Token it carries
// the granted-QoS (or failure) result once the operation completes.
type SubscribeToken struct {
	*token
	result SubAckResult
}

// SubAckResult is the typed SUBACK outcome (spec.md section 9:
// "SubAckResult { grantedQos: [u8] | Failure }").
type SubAckResult struct {
	GrantedQoS  []uint8
	ReturnCodes []uint8
	Failed      bool
}

// Result returns the SUBACK outcome. Only meaningful after the token
// completes.
func (t *SubscribeToken) Result() SubAckResult { return t.result }

// Subscribe requests subscriptions to filters at the paired requestedQoS
// levels.
func (c *Client) Subscribe(filters []string, requestedQoS []QoS) *SubscribeToken {
	tok := &SubscribeToken{token: newToken()}
	if len(filters) == 0 || len(filters) != len(requestedQoS) {
		tok.complete(newError(InvalidArgument, "filters and requestedQoS must be equal-length and non-empty"))
		return tok
	}
	qos := make([]uint8, len(requestedQoS))
	for i, f := range filters {
		if err := validateSubscribeTopic(f, c.validationOpts()); err != nil {
			tok.complete(newError(InvalidArgument, "%v", err))
			return tok
		}
		if requestedQoS[i] > 2 {
			tok.complete(newError(InvalidArgument, "qos %d out of range", requestedQoS[i]))
			return tok
		}
		qos[i] = uint8(requestedQoS[i])
	}
	c.post(evSubscribe{topics: filters, qos: qos, tok: tok})
	return tok
}

// Unsubscribe requests removal of the given filters.
func (c *Client) Unsubscribe(filters []string) Token {
	tok := newToken()
	if len(filters) == 0 {
		tok.complete(newError(InvalidArgument, "filters must be non-empty"))
		return tok
	}
	c.post(evUnsubscribe{topics: filters, tok: tok})
	return tok
}

type queryConnected struct{ result chan bool }

// IsConnected reports whether the client currently holds an established
// MQTT session, answered by a round trip through the actor loop so the
// read never races the state it reports on.
func (c *Client) IsConnected() bool {
	result := make(chan bool, 1)
	c.post(queryConnected{result: result})
	select {
	case v := <-result:
		return v
	case <-c.closed:
		return false
	}
}

func (c *Client) handleQueryConnected(q queryConnected) {
	q.result <- c.state == stateConnected
}

// SetOnConnectionLost assigns the hook invoked when a previously connected
// session is lost (spec.md section 6).
func (c *Client) SetOnConnectionLost(fn func(err error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onConnectionLost = fn
}

// SetOnMessageDelivered assigns the hook invoked once per successfully
// acknowledged outbound QoS>=1 publish.
func (c *Client) SetOnMessageDelivered(fn func(Message)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onMessageDelivered = fn
}

// SetOnMessageArrived assigns the hook invoked for every inbound PUBLISH
// delivered to the application.
func (c *Client) SetOnMessageArrived(fn func(Message)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onMessageArrived = fn
}

// SetOnConnected assigns the hook invoked once a CONNACK with return code
// 0 is processed, for both the initial connect and every reconnect.
func (c *Client) SetOnConnected(fn func(reconnected bool, uri string)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onConnected = fn
}

func (c *Client) fireConnectionLost(err error) {
	c.hooksMu.RLock()
	fn := c.onConnectionLost
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) fireMessageDelivered(msg Message) {
	c.hooksMu.RLock()
	fn := c.onMessageDelivered
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Client) fireMessageArrived(msg Message) {
	c.hooksMu.RLock()
	fn := c.onMessageArrived
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Client) fireConnected(reconnected bool, uri string) {
	c.hooksMu.RLock()
	fn := c.onConnected
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(reconnected, uri)
	}
}

// StartTrace begins recording TraceEntry events into the bounded ring
// buffer.
func (c *Client) StartTrace() {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	c.tracing = true
}

// StopTrace stops recording trace events. GetTraceLog still returns
// whatever was recorded until now.
func (c *Client) StopTrace() {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	c.tracing = false
}

// GetTraceLog returns a copy of the current trace ring buffer, oldest
// first.
func (c *Client) GetTraceLog() []TraceEntry {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	out := make([]TraceEntry, len(c.trace))
	copy(out, c.trace)
	return out
}

func (c *Client) traceLog(level slog.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case slog.LevelDebug:
		c.logger.Debug(msg)
	case slog.LevelWarn:
		c.logger.Warn(msg)
	default:
		c.logger.Info(msg)
	}

	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	if !c.tracing {
		return
	}
	entry := TraceEntry{Timestamp: time.Now(), Level: level, Message: msg}
	if len(c.trace) >= traceCapacity {
		c.trace = append(c.trace[1:], entry)
	} else {
		c.trace = append(c.trace, entry)
	}
}

type queryStats struct{ result chan ClientStats }

// Stats returns a snapshot of the supplemental telemetry counters.
func (c *Client) Stats() ClientStats {
	result := make(chan ClientStats, 1)
	c.post(queryStats{result: result})
	select {
	case v := <-result:
		return v
	case <-c.closed:
		return ClientStats{}
	}
}

func (c *Client) handleQueryStats(q queryStats) {
	q.result <- c.stats
}

func (c *Client) validationOpts() *clientOptions {
	return &clientOptions{
		MaxTopicLength: c.cfg.MaxTopicLength,
		MaxPayloadSize: c.cfg.MaxPayloadSize,
	}
}

// maxIncomingPacket returns the configured cap on an inbound packet's
// accumulated reassembly size, falling back to DefaultMaxIncomingPacket.
func (c *Client) maxIncomingPacket() int {
	return getLimit(c.cfg.MaxIncomingPacket, DefaultMaxIncomingPacket)
}

// sendFrame hands an already-encoded packet straight to the transport,
// bypassing the outbound queue. Used by the outbound queue drain itself,
// by the CONNACK replay and by DISCONNECT. Every successful send resets the
// keep-alive timer, which is why the pinger sends its PINGREQ through
// sendFrameRaw instead.
func (c *Client) sendFrame(data []byte) error {
	if c.transport == nil {
		return newError(InvalidState, "not connected")
	}
	if err := c.transport.Send(data); err != nil {
		return err
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(data))
	if c.pinger != nil {
		c.pinger.reset()
	}
	return nil
}
