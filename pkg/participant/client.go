// Package participant implements the MEW protocol's reusable client
// runtime: connect/reconnect with backoff, envelope stamping, request/
// response correlation with timeouts, proposal fulfillment, chat/notify/
// broadcast helpers, typed event dispatch, and an optional reasoning
// helper. It speaks the exact same wire contract (internal/wire) the
// gateway enforces, and is meant to be embedded by CLIs, bridges, and
// automated agents alike.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/rjcorwin/mew-protocol-sub006/internal/identity"
	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultReconnectMinDelay = 1 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultMaxPingFailures   = 2
	defaultMaxFrameBytes     = 256 << 10
)

// Options configures a Client. URL, Space, and Token are required; every
// other field has a spec-compliant default when left zero.
type Options struct {
	URL   string // ws:// or wss:// base, e.g. "ws://127.0.0.1:8080/ws"
	Space string
	Token string

	RequestTimeout time.Duration

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts caps retries; zero means unlimited (the default:
	// spec §4.7 describes backoff with a cap on delay, not attempt count).
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.ReconnectMinDelay <= 0 {
		o.ReconnectMinDelay = defaultReconnectMinDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a connected (or reconnecting) participant. One Client serves
// one logical identity in one space.
type Client struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	runtimeID string
	you       wire.SystemWelcomeYou
	sendCh    chan json.RawMessage

	pending    map[string]*pendingRequest
	handlers   map[EventType][]handlerEntry
	handlerSeq int

	closing   int32
	closedCh  chan struct{}
	closeOnce sync.Once
}

// Connect dials the gateway, completes the handshake (reads the initial
// system/welcome), and starts the background read/write/heartbeat loops.
// The returned Client stays connected until Close is called or every
// reconnect attempt (if MaxReconnectAttempts is set) is exhausted.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(opts.URL) == "" || strings.TrimSpace(opts.Space) == "" {
		return nil, errors.New("participant: URL and Space are required")
	}

	c := &Client{
		opts:     opts,
		log:      opts.Logger,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[EventType][]handlerEntry),
		closedCh: make(chan struct{}),
	}

	conn, welcome, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.applyWelcome(welcome, EventWelcome)

	c.sendCh = make(chan json.RawMessage, 256)
	go c.superviseConnection(ctx, conn)

	return c, nil
}

// dial performs one connection attempt: WS upgrade + auth + the first
// system/welcome read. It does not start any background goroutine.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, wire.Envelope, error) {
	h := http.Header{}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}

	url := c.opts.URL + "?space=" + strings.TrimSpace(c.opts.Space)
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"mew/v0.4"},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, wire.Envelope{}, fmt.Errorf("participant: dial: %w", err)
	}
	conn.SetReadLimit(defaultMaxFrameBytes)

	readCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, wire.Envelope{}, fmt.Errorf("participant: read welcome: %w", err)
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad welcome json")
		return nil, wire.Envelope{}, fmt.Errorf("participant: decode welcome: %w", err)
	}
	if env.Kind != wire.KindSystemWelcome {
		_ = conn.Close(websocket.StatusProtocolError, "expected welcome")
		return nil, wire.Envelope{}, fmt.Errorf("participant: expected system/welcome, got %q", env.Kind)
	}

	return conn, env, nil
}

func (c *Client) applyWelcome(env wire.Envelope, evType EventType) {
	var payload wire.SystemWelcomePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.log.Error("participant.welcome.decode_fail", "err", err)
		return
	}

	c.mu.Lock()
	c.runtimeID = payload.You.ID
	c.you = payload.You
	c.mu.Unlock()

	c.emit(Event{Type: evType, Envelope: &env, Welcome: &payload})
}

// RuntimeID returns the runtime id the gateway assigned this connection.
func (c *Client) RuntimeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeID
}

// Capabilities returns a snapshot of this participant's own capability set
// as last reported by system/welcome (spec §4.7: "SHOULD inspect its own
// system/welcome to render accurate affordances").
func (c *Client) Capabilities() []wire.Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Capability(nil), c.you.Capabilities...)
}

// Close shuts the connection down and stops all reconnect attempts.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closing, 1)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "bye")
		}
		close(c.closedCh)
	})
	return err
}

func (c *Client) isClosing() bool {
	return atomic.LoadInt32(&c.closing) != 0
}

// newEnvelopeID mints an id for a client-originated envelope. ULID rather
// than a plain counter so ids stay sortable and collision-free across
// reconnects without any shared server-side state.
func (c *Client) newEnvelopeID() string {
	id, err := identity.NewULID(time.Now())
	if err != nil {
		// crypto/rand failure: extremely unlikely, but still must not panic
		// or block the caller. Fall back to a timestamp-only id.
		return time.Now().UTC().Format("20060102T150405.000000000Z")
	}
	return id
}

func (c *Client) send(env wire.Envelope) error {
	if env.Protocol == "" {
		env.Protocol = wire.ProtocolVersion
	}
	if env.ID == "" {
		env.ID = c.newEnvelopeID()
	}
	if env.TS == "" {
		env.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	env.From = c.RuntimeID()

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("participant: marshal envelope: %w", err)
	}

	c.mu.Lock()
	ch := c.sendCh
	c.mu.Unlock()
	if ch == nil {
		return ErrConnectionClosed
	}

	select {
	case ch <- b:
		return nil
	case <-c.closedCh:
		return ErrConnectionClosed
	}
}

// Chat sends a plain chat envelope (spec §6's chat kind).
func (c *Client) Chat(to []string, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return c.send(wire.Envelope{Kind: wire.KindChat, To: to, Payload: payload})
}

// Notify broadcasts an envelope of the given kind with no explicit `to`
// (every other participant in the space receives it).
func (c *Client) Notify(kind string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send(wire.Envelope{Kind: kind, Payload: b})
}

// Broadcast is an alias for Notify kept for readability at call sites that
// are explicitly broadcasting rather than emitting a one-off notification.
func (c *Client) Broadcast(kind string, payload any) error {
	return c.Notify(kind, payload)
}

// Request issues an mcp/request to target and returns a future-like
// channel that resolves once a matching mcp/response arrives, the
// RequestTimeout deadline elapses, or the connection closes (spec §4.7).
func (c *Client) Request(target, method string, params any) <-chan Result {
	resultCh := make(chan Result, 1)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		resultCh <- Result{Err: fmt.Errorf("participant: marshal params: %w", err)}
		return resultCh
	}

	innerID := c.newEnvelopeID()
	innerIDJSON, _ := json.Marshal(innerID)

	rpcPayload, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      innerIDJSON,
		Method:  method,
		Params:  paramsJSON,
	})
	if err != nil {
		resultCh <- Result{Err: fmt.Errorf("participant: marshal request: %w", err)}
		return resultCh
	}

	envID := c.newEnvelopeID()
	env := wire.Envelope{
		ID:      envID,
		Kind:    wire.KindMCPRequest,
		To:      []string{target},
		Payload: rpcPayload,
	}

	deadline := time.Now().Add(c.opts.RequestTimeout)
	p := c.newPending(envID, target, string(innerIDJSON), deadline)

	if err := c.send(env); err != nil {
		c.resolvePending(envID, Result{Err: err})
	}

	go c.awaitPending(p, resultCh)
	return resultCh
}

func (c *Client) awaitPending(p *pendingRequest, out chan<- Result) {
	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case res := <-p.resultCh:
		out <- res
	case <-timer.C:
		if c.resolvePending(p.envelopeID, Result{Err: ErrTimeout}) {
			c.emitCancelledNotification(p)
		}
		out <- Result{Err: ErrTimeout}
	case <-c.closedCh:
		if c.resolvePending(p.envelopeID, Result{Err: ErrConnectionClosed}) {
			out <- Result{Err: ErrConnectionClosed}
		}
	}
}

func (c *Client) emitCancelledNotification(p *pendingRequest) {
	params, err := json.Marshal(cancelledNotificationParams{
		RequestID: json.RawMessage(p.innerID),
		Reason:    "timeout",
	})
	if err != nil {
		return
	}
	rpcPayload, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  "notifications/cancelled",
		Params:  params,
	})
	if err != nil {
		return
	}
	// Best-effort: no response expected, errors are not actionable here.
	_ = c.send(wire.Envelope{Kind: wire.KindMCPRequest, To: []string{p.target}, Payload: rpcPayload})
}

// Fulfill builds the mcp/request that enacts proposal, correlating back to
// it per spec §4.7 ("fulfill(proposal) ... correlation_id: [proposal.id]").
func (c *Client) Fulfill(proposal wire.Envelope) (<-chan Result, error) {
	if len(proposal.To) == 0 {
		return nil, errors.New("participant: proposal has no recipient")
	}

	var rpc JSONRPCRequest
	if err := json.Unmarshal(proposal.Payload, &rpc); err != nil {
		return nil, fmt.Errorf("participant: decode proposal payload: %w", err)
	}

	resultCh := make(chan Result, 1)

	innerIDJSON, _ := json.Marshal(c.newEnvelopeID())
	rpcPayload, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      innerIDJSON,
		Method:  rpc.Method,
		Params:  rpc.Params,
	})
	if err != nil {
		return nil, err
	}

	envID := c.newEnvelopeID()
	env := wire.Envelope{
		ID:            envID,
		Kind:          wire.KindMCPRequest,
		To:            []string{proposal.To[0]},
		CorrelationID: []string{proposal.ID},
		Payload:       rpcPayload,
	}

	deadline := time.Now().Add(c.opts.RequestTimeout)
	p := c.newPending(envID, proposal.To[0], string(innerIDJSON), deadline)

	if err := c.send(env); err != nil {
		c.resolvePending(envID, Result{Err: err})
	}

	go c.awaitPending(p, resultCh)
	return resultCh, nil
}

// StartReasoning mints a reasoning/start envelope and returns a Reasoning
// handle whose Thought/Conclude/Cancel helpers stamp `context` with the
// start envelope's id, per spec §4.7's optional reasoning helper.
func (c *Client) StartReasoning(to []string, payload any) (*Reasoning, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := c.newEnvelopeID()
	if err := c.send(wire.Envelope{ID: id, Kind: wire.KindReasoningStart, To: to, Payload: b}); err != nil {
		return nil, err
	}
	return &Reasoning{client: c, contextID: id, to: to}, nil
}

// Reasoning is a handle over one reasoning/start context.
type Reasoning struct {
	client    *Client
	contextID string
	to        []string
}

func (r *Reasoning) Thought(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.send(wire.Envelope{Kind: wire.KindReasoningThought, To: r.to, Context: r.contextID, Payload: b})
}

func (r *Reasoning) Conclude(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.send(wire.Envelope{Kind: wire.KindReasoningConclusion, To: r.to, Context: r.contextID, Payload: b})
}

func (r *Reasoning) Cancel() error {
	return r.client.send(wire.Envelope{Kind: wire.KindReasoningCancel, To: r.to, Context: r.contextID, Payload: json.RawMessage("{}")})
}

