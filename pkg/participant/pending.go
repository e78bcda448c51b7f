package participant

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrTimeout is the rejection reason when a request's deadline elapses
// before a matching mcp/response arrives.
var ErrTimeout = errors.New("participant: request timed out")

// ErrConnectionClosed is the rejection reason for every pending request still
// outstanding when the connection drops (spec §4.7: "On disconnect, rejects
// with a connection-closed error").
var ErrConnectionClosed = errors.New("participant: connection closed")

// Result is what a Request future resolves to: either Value (payload.result)
// or Err (payload.error, or a local timeout/disconnect).
type Result struct {
	Value json.RawMessage
	Err   error
}

// pendingRequest is one outstanding mcp/request this client issued and is
// waiting to correlate an mcp/response against, mirroring spec §3's
// "Pending request (participant-side)" record.
type pendingRequest struct {
	envelopeID string
	target     string
	innerID    string
	deadline   time.Time
	resultCh   chan Result
	done       bool
}

func (c *Client) newPending(envelopeID, target, innerID string, deadline time.Time) *pendingRequest {
	p := &pendingRequest{
		envelopeID: envelopeID,
		target:     target,
		innerID:    innerID,
		deadline:   deadline,
		resultCh:   make(chan Result, 1),
	}
	c.mu.Lock()
	c.pending[envelopeID] = p
	c.mu.Unlock()
	return p
}

func (c *Client) resolvePending(envelopeID string, res Result) bool {
	c.mu.Lock()
	p, ok := c.pending[envelopeID]
	if ok {
		delete(c.pending, envelopeID)
	}
	c.mu.Unlock()
	if !ok || p.done {
		return false
	}
	p.done = true
	p.resultCh <- res
	return true
}

// rejectAllPending empties the pending table, rejecting every entry with err
// (used on disconnect per spec §4.7).
func (c *Client) rejectAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		if !p.done {
			p.done = true
			p.resultCh <- Result{Err: err}
		}
	}
}

// splitPendingForReconnect empties the pending table and returns its entries
// split into those whose deadline has not yet elapsed and those whose
// deadline has, for reconnect-time handling.
func (c *Client) splitPendingForReconnect(now time.Time) (reissue []*pendingRequest, expired []*pendingRequest) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		if p.deadline.After(now) {
			reissue = append(reissue, p)
		} else {
			expired = append(expired, p)
		}
	}
	return reissue, expired
}
