package gateway

import (
	"sync"
	"time"

	"github.com/rjcorwin/mew-protocol-sub006/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// TransportState mirrors the connection lifecycle states of §4.6.
type TransportState int

const (
	StateAuthenticating TransportState = iota
	StateReady
	StateDraining
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PendingRequest is a request the gateway forwarded on a participant's behalf
// and is still waiting to see a matching mcp/response pass through. The
// gateway itself does not resolve these (that's the participant runtime's
// job); it only tracks them so it can synthesize peer_disconnected rejections
// per §4.6 step 5 when the target disconnects before replying.
type PendingRequest struct {
	RequestID string
	Target    string
	Deadline  time.Time
}

// Participant is one authenticated, connected peer inside a Space.
//
// Design notes carried over from the teacher's Client type:
//   - Send is intentionally NOT closed by the gateway, so a concurrent
//     broadcaster can never panic on a send to a closed channel.
//   - done signals goroutines (writer/heartbeat/reader) to stop; Close is
//     idempotent via sync.Once.
type Participant struct {
	RuntimeID   string
	LogicalName string
	Token       string // opaque credential, compared at auth time only

	Send chan Outbound

	mu                  sync.RWMutex
	state               TransportState
	staticCapabilities  capability.Set
	runtimeCapabilities capability.Set
	ownedStreams        map[string]struct{}
	pendingRequests     map[string]PendingRequest

	limits Limits

	done      chan struct{}
	closeOnce sync.Once
}

// NewParticipant constructs a Participant with a bounded send queue.
func NewParticipant(runtimeID, logicalName, token string, static capability.Set, limits Limits) *Participant {
	limits = limits.WithDefaults()
	return &Participant{
		RuntimeID:           runtimeID,
		LogicalName:         logicalName,
		Token:               token,
		Send:                make(chan Outbound, limits.SendQueueSize),
		state:               StateAuthenticating,
		staticCapabilities:  append(capability.Set(nil), static...),
		runtimeCapabilities: capability.Set{},
		ownedStreams:        make(map[string]struct{}),
		pendingRequests:     make(map[string]PendingRequest),
		limits:              limits,
		done:                make(chan struct{}),
	}
}

// Done returns a channel closed when the participant is shutting down.
func (p *Participant) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Close signals teardown (idempotent). It does not close Send, so a
// concurrent Router.deliver can never panic.
func (p *Participant) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *Participant) SetState(s TransportState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Participant) State() TransportState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// EffectiveCapabilities returns static ∪ runtime, snapshotted under the lock.
func (p *Participant) EffectiveCapabilities() capability.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(capability.Set, 0, len(p.staticCapabilities)+len(p.runtimeCapabilities))
	out = append(out, p.staticCapabilities...)
	out = append(out, p.runtimeCapabilities...)
	return out
}

// StaticCapabilities returns only the space-config-derived grants.
func (p *Participant) StaticCapabilities() capability.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(capability.Set(nil), p.staticCapabilities...)
}

// AppendRuntimeCapabilities adds grants (cumulative, per §4.2 step 3).
// Returns false if appending would exceed the configured cap.
func (p *Participant) AppendRuntimeCapabilities(grants ...wire.Capability) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.staticCapabilities)+len(p.runtimeCapabilities)+len(grants) > p.limits.MaxCapabilities {
		return false
	}
	p.runtimeCapabilities = append(p.runtimeCapabilities, grants...)
	return true
}

// RevokeByGrantID removes a single runtime grant by its grant envelope id.
func (p *Participant) RevokeByGrantID(grantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.runtimeCapabilities[:0]
	for _, c := range p.runtimeCapabilities {
		if c.GrantID != grantID {
			out = append(out, c)
		}
	}
	p.runtimeCapabilities = out
}

// RevokeByPattern removes every runtime grant structurally matched by pattern
// (capability.Subset(existing, pattern) holds).
func (p *Participant) RevokeByPattern(pattern wire.Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.runtimeCapabilities[:0]
	for _, c := range p.runtimeCapabilities {
		if !capability.Subset(c, pattern) {
			out = append(out, c)
		}
	}
	p.runtimeCapabilities = out
}

func (p *Participant) addOwnedStream(streamID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ownedStreams) >= p.limits.MaxStreamsPerParticipant {
		return false
	}
	p.ownedStreams[streamID] = struct{}{}
	return true
}

func (p *Participant) removeOwnedStream(streamID string) {
	p.mu.Lock()
	delete(p.ownedStreams, streamID)
	p.mu.Unlock()
}

func (p *Participant) ownedStreamIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.ownedStreams))
	for id := range p.ownedStreams {
		out = append(out, id)
	}
	return out
}

func (p *Participant) trackPending(req PendingRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingRequests) >= p.limits.MaxPendingRequests {
		return false
	}
	p.pendingRequests[req.RequestID] = req
	return true
}

func (p *Participant) clearPending(requestID string) {
	p.mu.Lock()
	delete(p.pendingRequests, requestID)
	p.mu.Unlock()
}

func (p *Participant) pendingTargeting(runtimeID string) []PendingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PendingRequest
	for _, req := range p.pendingRequests {
		if req.Target == runtimeID {
			out = append(out, req)
		}
	}
	return out
}
