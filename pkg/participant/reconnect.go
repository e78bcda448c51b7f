package participant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// superviseConnection owns one connection's read/write/heartbeat loops and,
// on failure, drives the reconnect-with-backoff state machine (spec §4.7).
// It runs for the lifetime of the Client.
func (c *Client) superviseConnection(ctx context.Context, conn *websocket.Conn) {
	c.emit(Event{Type: EventConnected})

	delay := c.opts.ReconnectMinDelay
	attempt := 0

	for {
		died := c.runConnection(ctx, conn)
		if c.isClosing() {
			return
		}

		c.rejectAllPending(ErrConnectionClosed)
		c.emit(Event{Type: EventDisconnected, Err: died})

		if c.opts.MaxReconnectAttempts > 0 && attempt >= c.opts.MaxReconnectAttempts {
			return
		}
		attempt++

		select {
		case <-time.After(delay):
		case <-c.closedCh:
			return
		case <-ctx.Done():
			return
		}

		delay *= 2
		if delay > c.opts.ReconnectMaxDelay {
			delay = c.opts.ReconnectMaxDelay
		}

		newConn, welcome, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("participant.reconnect.fail", "attempt", attempt, "err", err)
			continue
		}

		attempt = 0
		delay = c.opts.ReconnectMinDelay

		c.mu.Lock()
		c.conn = newConn
		c.sendCh = make(chan json.RawMessage, 256)
		c.mu.Unlock()

		c.applyWelcome(welcome, EventWelcome)
		c.reissuePendingAfterReconnect()
		c.emit(Event{Type: EventReconnected})

		conn = newConn
	}
}

// reissuePendingAfterReconnect runs after a successful reconnect over the
// requests left in the pending table (superviseConnection has already
// rejected every request pending at disconnect with ErrConnectionClosed). It
// rejects those whose deadline elapsed with ErrTimeout and keeps the rest in
// the table; no request is resent on the new connection.
func (c *Client) reissuePendingAfterReconnect() {
	reissue, expired := c.splitPendingForReconnect(time.Now())

	for _, p := range expired {
		if !p.done {
			p.done = true
			p.resultCh <- Result{Err: ErrTimeout}
		}
	}

	for _, p := range reissue {
		c.mu.Lock()
		c.pending[p.envelopeID] = p
		c.mu.Unlock()
		// The original envelope body is gone; callers awaiting the future
		// will simply keep waiting until the (already-running) awaitPending
		// timer fires against the original deadline. We do not resend the
		// request body here because proposals/requests are not guaranteed
		// idempotent; a caller wanting at-least-once semantics across a
		// reconnect should re-issue explicitly.
	}
}

// runConnection owns one physical connection: it starts the read, write, and
// heartbeat loops and blocks until one of them reports the connection dead,
// returning the error that ended it (nil if Close was called).
func (c *Client) runConnection(parentCtx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	errCh := make(chan error, 3)

	go c.readLoop(ctx, conn, errCh)
	go c.writeLoop(ctx, conn, errCh)
	go c.heartbeatLoop(ctx, conn, errCh)

	select {
	case err := <-errCh:
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
		return err
	case <-c.closedCh:
		return nil
	case <-parentCtx.Done():
		return parentCtx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("participant.inbound.bad_json", "err", err)
			continue
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env wire.Envelope) {
	switch env.Kind {
	case wire.KindSystemWelcome:
		c.applyWelcome(env, EventWelcome)
	case wire.KindSystemPresence:
		var p wire.SystemPresencePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(Event{Type: EventPresence, Envelope: &env, Presence: &p})
		}
	case wire.KindSystemError:
		c.emit(Event{Type: EventError, Envelope: &env, Err: errors.New(string(env.Payload))})
	case wire.KindChat:
		c.emit(Event{Type: EventChat, Envelope: &env})
	case wire.KindMCPResponse:
		c.handleResponse(env)
	}

	// Every inbound envelope also reaches the catch-all handler, per spec
	// §4.7's "message (any envelope)" dispatch on top of the typed ones.
	c.emit(Event{Type: EventMessage, Envelope: &env})
}

func (c *Client) handleResponse(env wire.Envelope) {
	if len(env.CorrelationID) == 0 {
		return
	}

	var rpc JSONRPCResponse
	if err := json.Unmarshal(env.Payload, &rpc); err != nil {
		return
	}

	for _, corrID := range env.CorrelationID {
		res := Result{Value: rpc.Result}
		if rpc.Error != nil {
			res.Err = rpc.Error
		}
		if c.resolvePending(corrID, res) {
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	c.mu.Lock()
	ch := c.sendCh
	c.mu.Unlock()

	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				failures++
				if failures >= defaultMaxPingFailures {
					select {
					case errCh <- err:
					default:
					}
					return
				}
				continue
			}
			failures = 0
		case <-ctx.Done():
			return
		}
	}
}
