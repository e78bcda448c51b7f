// Package gateway implements the MEW protocol routing core: spaces,
// participants, the capability engine, the router, the name resolver, the
// capability registry, and the stream manager described in the protocol
// specification. Transports (WebSocket, HTTP injection) are thin adapters
// over the single AcceptEnvelope pipeline in this package, so both surfaces
// enforce identical validation and capability rules.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// AuditSink records durable capability grant/revoke decisions. It is
// optional: a nil sink means the gateway keeps capability state purely
// in-memory, matching spec §5. The concrete implementation
// (internal/auditlog) is injected so this package has no storage opinion.
type AuditSink interface {
	RecordGrant(ctx context.Context, spaceID, envelopeID, grantorID, recipientID string, pattern json.RawMessage, at time.Time) error
	RecordRevoke(ctx context.Context, spaceID, envelopeID, grantorID, recipientID string, pattern json.RawMessage, at time.Time) error
}

// RosterSink records a durable first-seen/last-seen snapshot of logical
// participants joining a space, independent of the in-memory Space roster
// that only reflects who is connected right now. Also optional.
type RosterSink interface {
	RecordJoin(ctx context.Context, spaceID, logicalName string, at time.Time) error
}

// Metrics receives ambient counters from the AcceptEnvelope pipeline. Optional:
// a nil Metrics means the gateway simply doesn't export them. The concrete
// implementation (a Prometheus CounterVec) lives in internal/app so this
// package stays free of a metrics-backend opinion.
type Metrics interface {
	EnvelopeRouted()
	EnvelopeRejected(code string)
}

// Stats is a point-in-time snapshot used to drive gauge metrics.
type Stats struct {
	Spaces       int
	Participants int
	OpenStreams  int
}

// Gateway owns every space and the shared routing/capability/stream
// machinery. One Gateway instance serves an entire process.
type Gateway struct {
	log *slog.Logger

	mu     sync.Mutex
	spaces map[string]*Space

	router   *Router
	registry *Registry
	streams  *StreamManager

	newID func() string
	now   func() time.Time

	limits  Limits
	audit   AuditSink
	roster  RosterSink
	metrics Metrics
}

// Clock and ID generator are injected so tests can run deterministically;
// production wiring uses time.Now and ulid.
func New(log *slog.Logger, newID func() string, now func() time.Time, limits Limits) *Gateway {
	return &Gateway{
		log:      log,
		spaces:   make(map[string]*Space),
		router:   NewRouter(log),
		registry: NewRegistry(log),
		streams:  NewStreamManager(log, newID, now),
		newID:    newID,
		now:      now,
		limits:   limits.WithDefaults(),
	}
}

// SetAuditSink attaches a durable grant/revoke recorder. Call once during
// bootstrap, before serving traffic; nil disables recording.
func (g *Gateway) SetAuditSink(audit AuditSink) {
	g.audit = audit
}

// SetRosterSink attaches a durable space-membership recorder. Call once
// during bootstrap; nil disables recording.
func (g *Gateway) SetRosterSink(roster RosterSink) {
	g.roster = roster
}

// SetMetrics attaches an ambient counters sink. Call once during bootstrap;
// nil disables instrumentation entirely.
func (g *Gateway) SetMetrics(metrics Metrics) {
	g.metrics = metrics
}

// Stats snapshots the current size of every space the gateway is serving,
// for gauge-style metrics that can't be derived from a running counter.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	spaces := make([]*Space, 0, len(g.spaces))
	for _, s := range g.spaces {
		spaces = append(spaces, s)
	}
	g.mu.Unlock()

	stats := Stats{Spaces: len(spaces)}
	for _, s := range spaces {
		stats.Participants += len(s.all())
		stats.OpenStreams += len(s.ActiveStreamsSnapshot())
	}
	return stats
}

// SpaceFor returns the space with the given id, creating it lazily on first
// use (§3: "Created lazily on first participant").
func (g *Gateway) SpaceFor(spaceID string) *Space {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.spaces[spaceID]
	if !ok {
		s = NewSpace(g.log, spaceID)
		g.spaces[spaceID] = s
	}
	return s
}

// releaseIfEmpty drops a space from the registry once its last participant
// has left (§3: "destroyed when empty", an implementation choice this
// gateway takes to bound memory for short-lived spaces).
func (g *Gateway) releaseIfEmpty(space *Space) {
	if !space.IsEmpty() {
		return
	}
	g.mu.Lock()
	if current, ok := g.spaces[space.ID]; ok && current == space {
		delete(g.spaces, space.ID)
	}
	g.mu.Unlock()
}

// AcceptEnvelope is the single pipeline both the WebSocket transport and the
// HTTP injection endpoint call: validate structure, stamp canonical fields,
// enforce the capability engine, apply kind-specific side effects (grants,
// revokes, streams), and route. It never panics on malformed input; failures
// are reported to the sender as a system/error envelope via the returned
// notice (nil when nothing needs reporting to the sender).
func (g *Gateway) AcceptEnvelope(space *Space, sender *Participant, raw json.RawMessage) (acceptedID string, notice *wire.Envelope, fatal error) {
	acceptedID, notice, fatal = g.doAcceptEnvelope(space, sender, raw)
	if g.metrics != nil {
		switch {
		case notice != nil:
			var p wire.SystemErrorPayload
			if json.Unmarshal(notice.Payload, &p) == nil {
				g.metrics.EnvelopeRejected(p.Error)
			}
		case fatal == nil:
			g.metrics.EnvelopeRouted()
		}
	}
	return acceptedID, notice, fatal
}

func (g *Gateway) doAcceptEnvelope(space *Space, sender *Participant, raw json.RawMessage) (acceptedID string, notice *wire.Envelope, fatal error) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, nil, wire.ErrCodeInvalidEnvelope, "", nil, g.newID, g.now())
		return "", &e, nil
	}

	if err := env.ValidateStructure(); err != nil {
		code := wire.ErrCodeInvalidEnvelope
		if se, ok := err.(*wire.StructuralError); ok {
			code = se.Code
		}
		e := systemErrorEnvelope(sender.RuntimeID, idOrNil(env.ID), code, env.Kind, nil, g.newID, g.now())
		return "", &e, nil
	}
	if err := env.CheckFrom(sender.RuntimeID); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, idOrNil(env.ID), wire.ErrCodeIdentitySpoof, env.Kind, nil, g.newID, g.now())
		return "", &e, nil
	}

	env = env.Canonicalize(sender.RuntimeID, g.newID, g.now)

	effective := sender.EffectiveCapabilities()
	if !effective.Matches(env.Kind, env.Payload) {
		g.log.Info("capability.violation", "space_id", space.ID, "runtime_id", sender.RuntimeID, "kind", env.Kind)
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, "capability_violation", env.Kind, effective, g.newID, g.now())
		return env.ID, &e, nil
	}

	switch env.Kind {
	case wire.KindCapabilityGrant:
		return env.ID, g.handleGrant(space, sender, env), nil
	case wire.KindCapabilityRevoke:
		return env.ID, g.handleRevoke(space, sender, env), nil
	case wire.KindStreamRequest:
		return env.ID, g.handleStreamRequest(space, sender, env), nil
	case wire.KindStreamClose:
		return env.ID, g.handleStreamClose(space, sender, env), nil
	default:
		return env.ID, g.routeOrdinary(space, sender, env), nil
	}
}

func idOrNil(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

func (g *Gateway) routeOrdinary(space *Space, sender *Participant, env wire.Envelope) *wire.Envelope {
	_, overflowed, unknown := g.router.Route(space, sender.RuntimeID, env)
	for _, id := range overflowed {
		g.log.Info("router.backpressure", "space_id", space.ID, "runtime_id", id)
	}
	if unknown {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, "unknown_recipient", env.Kind, nil, g.newID, g.now())
		return &e
	}

	// Bookkeeping for §4.6 step 5: track outstanding requests on the SENDER
	// (who awaits the response) so a disconnecting recipient can be
	// rejected with peer_disconnected. The gateway does not resolve
	// responses itself -- that correlation is the participant runtime's job.
	switch env.Kind {
	case wire.KindMCPRequest:
		for _, recipientID := range space.ResolveRecipients(env.To) {
			sender.trackPending(PendingRequest{RequestID: env.ID, Target: recipientID})
		}
	case wire.KindMCPResponse:
		if len(env.CorrelationID) > 0 {
			for _, recipientID := range space.ResolveRecipients(env.To) {
				if recipient, ok := space.Get(recipientID); ok {
					recipient.clearPending(env.CorrelationID[0])
				}
			}
		}
	}

	return nil
}

func (g *Gateway) handleGrant(space *Space, sender *Participant, env wire.Envelope) *wire.Envelope {
	var p wire.CapabilityGrantPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, wire.ErrCodeInvalidEnvelope, env.Kind, nil, g.newID, g.now())
		return &e
	}

	recipientID, ok := space.RuntimeIDFor(p.Recipient)
	if !ok {
		recipientID = p.Recipient // may already be a runtime id
	}

	if _, err := g.registry.Grant(space, sender, recipientID, p.Capabilities, env.ID); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, "capability_violation", env.Kind, sender.EffectiveCapabilities(), g.newID, g.now())
		return &e
	}

	if g.audit != nil {
		pattern, _ := json.Marshal(p.Capabilities)
		if err := g.audit.RecordGrant(context.Background(), space.ID, env.ID, sender.RuntimeID, recipientID, pattern, g.now()); err != nil {
			g.log.Error("auditlog.record_grant.fail", "space_id", space.ID, "err", err)
		}
	}

	// §13.3: the grant envelope itself is routed (broadcast) BEFORE the
	// refreshed welcome reaches the recipient, so observers see the grant
	// before its effects.
	g.routeOrdinary(space, sender, env)

	if recipient, ok := space.Get(recipientID); ok {
		welcome := systemWelcomeEnvelope(recipient, space, g.newID, g.now())
		g.router.RouteToAddressee(space, recipientID, welcome)
	}
	return nil
}

func (g *Gateway) handleRevoke(space *Space, sender *Participant, env wire.Envelope) *wire.Envelope {
	var p wire.CapabilityRevokePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, wire.ErrCodeInvalidEnvelope, env.Kind, nil, g.newID, g.now())
		return &e
	}

	recipientID, ok := space.RuntimeIDFor(p.Recipient)
	if !ok {
		recipientID = p.Recipient
	}

	if _, err := g.registry.Revoke(space, recipientID, p.GrantID, p.Pattern); err != nil {
		// Unknown recipient is reported; "no matching grant" is a silent no-op
		// per §8 boundary behavior, which Registry.Revoke already implements.
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, "unknown_recipient", env.Kind, nil, g.newID, g.now())
		return &e
	}

	if g.audit != nil {
		var pattern json.RawMessage
		if p.Pattern != nil {
			pattern, _ = json.Marshal(p.Pattern)
		}
		if err := g.audit.RecordRevoke(context.Background(), space.ID, env.ID, sender.RuntimeID, recipientID, pattern, g.now()); err != nil {
			g.log.Error("auditlog.record_revoke.fail", "space_id", space.ID, "err", err)
		}
	}

	g.routeOrdinary(space, sender, env)

	if recipient, ok := space.Get(recipientID); ok {
		welcome := systemWelcomeEnvelope(recipient, space, g.newID, g.now())
		g.router.RouteToAddressee(space, recipientID, welcome)
	}
	return nil
}

func (g *Gateway) handleStreamRequest(space *Space, sender *Participant, env wire.Envelope) *wire.Envelope {
	var p wire.StreamRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, wire.ErrCodeInvalidEnvelope, env.Kind, nil, g.newID, g.now())
		return &e
	}

	info, ok := g.streams.Open(space, sender, p)
	if !ok {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, "backpressure", env.Kind, nil, g.newID, g.now())
		return &e
	}

	openPayload, _ := json.Marshal(wire.StreamOpenPayload{StreamID: info.StreamID})
	open := systemEnvelope(wire.KindStreamOpen, []string{sender.RuntimeID}, []string{env.ID}, openPayload, g.newID, g.now())
	g.router.RouteToAddressee(space, sender.RuntimeID, open)
	return nil
}

func (g *Gateway) handleStreamClose(space *Space, sender *Participant, env wire.Envelope) *wire.Envelope {
	var p wire.StreamClosePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, wire.ErrCodeInvalidEnvelope, env.Kind, nil, g.newID, g.now())
		return &e
	}

	if _, err := g.streams.Close(space, p.StreamID); err != nil {
		e := systemErrorEnvelope(sender.RuntimeID, []string{env.ID}, "stream_not_found", env.Kind, nil, g.newID, g.now())
		return &e
	}

	g.routeOrdinary(space, sender, env)
	return nil
}
