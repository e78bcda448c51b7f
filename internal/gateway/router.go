package gateway

import (
	"log/slog"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// Outbound is the unit carried on a Participant's Send channel: either a JSON
// envelope or a raw `#stream_id#bytes` frame relayed opaquely, never both.
// Keeping this as one channel element type avoids a second queue (and a
// second backpressure policy) for stream bytes.
type Outbound struct {
	Envelope *wire.Envelope
	Frame    []byte
}

// Router delivers validated, capability-approved envelopes per §4.4: directed
// to resolved recipients, or broadcast to everyone but the sender when `to`
// is absent/empty. Delivery never blocks the caller; an envelope for a
// saturated recipient queue is dropped, not stalled on. The saturated
// participant is not disconnected.
type Router struct {
	log *slog.Logger
}

func NewRouter(log *slog.Logger) *Router {
	return &Router{log: log}
}

// Route delivers env to its recipients within space and reports, per
// recipient, whether the send queue was full (the envelope was dropped for
// the runtime ids in overflowed).
//
// senderRuntimeID is always excluded from a broadcast delivery (invariant 2:
// "no participant ever receives an envelope it emitted itself").
func (r *Router) Route(space *Space, senderRuntimeID string, env wire.Envelope) (delivered int, overflowed []string, unknownRecipient bool) {
	if len(env.To) == 0 {
		for _, p := range space.all() {
			if p.RuntimeID == senderRuntimeID {
				continue
			}
			if r.deliver(p, env) {
				delivered++
			} else {
				overflowed = append(overflowed, p.RuntimeID)
			}
		}
		return delivered, overflowed, false
	}

	resolved := space.ResolveRecipients(env.To)
	if len(resolved) == 0 {
		return 0, nil, true
	}
	for _, id := range resolved {
		p, ok := space.Get(id)
		if !ok {
			continue
		}
		if r.deliver(p, env) {
			delivered++
		} else {
			overflowed = append(overflowed, id)
		}
	}
	return delivered, overflowed, false
}

// RouteToAddressee delivers env only to its single addressee (used for
// system/welcome, which §4.4 says is "delivered only to its addressee").
func (r *Router) RouteToAddressee(space *Space, addresseeRuntimeID string, env wire.Envelope) bool {
	p, ok := space.Get(addresseeRuntimeID)
	if !ok {
		return false
	}
	return r.deliver(p, env)
}

// deliver is a non-blocking send: if the participant is shutting down or its
// queue is saturated, the envelope is dropped rather than stalling the
// router (mirrors the teacher's Conversation.Broadcast backpressure policy).
func (r *Router) deliver(p *Participant, env wire.Envelope) bool {
	if p == nil {
		return false
	}

	select {
	case <-p.Done():
		return false
	default:
	}

	select {
	case p.Send <- Outbound{Envelope: &env}:
		return true
	default:
		return false
	}
}

// DeliverFrame relays a raw stream frame to p, subject to the same
// non-blocking backpressure policy as a JSON envelope.
func (r *Router) DeliverFrame(p *Participant, frame []byte) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
	}
	select {
	case p.Send <- Outbound{Frame: frame}:
		return true
	default:
		return false
	}
}
