package gateway

import (
	"context"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// Connect performs §4.6's connection sequence: register the participant in
// the space, send it an addressed system/welcome, and broadcast
// system/presence{join} to everyone else. Both are queued through the router
// (the welcome onto p's own send queue); the two envelopes are also returned
// for callers that want to inspect them.
func (g *Gateway) Connect(space *Space, p *Participant) (welcome wire.Envelope, presence wire.Envelope) {
	space.Join(p)
	p.SetState(StateReady)

	if g.roster != nil {
		if err := g.roster.RecordJoin(context.Background(), space.ID, p.LogicalName, g.now()); err != nil {
			g.log.Error("auditlog.record_join.fail", "space_id", space.ID, "err", err)
		}
	}

	welcome = systemWelcomeEnvelope(p, space, g.newID, g.now())
	presence = systemPresenceEnvelope("join", p, g.newID, g.now())

	g.router.RouteToAddressee(space, p.RuntimeID, welcome)
	g.router.Route(space, p.RuntimeID, presence)

	return welcome, presence
}

// Disconnect performs §4.6 step 5's teardown sequence: close every stream
// the participant owned (broadcasting a synthetic stream/close for each),
// remove it from the space, broadcast system/presence{leave}, and reject
// every pending request any other participant was tracking toward this
// runtime id with peer_disconnected.
func (g *Gateway) Disconnect(space *Space, p *Participant) {
	p.SetState(StateDraining)

	for _, info := range g.streams.CloseAllOwnedBy(space, p.RuntimeID) {
		env := closeEnvelope(info.StreamID, "owner_disconnected", g.newID, g.now())
		g.router.Route(space, "system:gateway", env)
	}

	space.Leave(p.RuntimeID)
	p.SetState(StateClosed)

	presence := systemPresenceEnvelope("leave", p, g.newID, g.now())
	g.router.Route(space, p.RuntimeID, presence)

	for _, peer := range space.all() {
		for _, pending := range peer.pendingTargeting(p.RuntimeID) {
			peer.clearPending(pending.RequestID)
			notice := systemErrorEnvelope(peer.RuntimeID, []string{pending.RequestID}, "peer_disconnected", "", nil, g.newID, g.now())
			g.router.RouteToAddressee(space, peer.RuntimeID, notice)
		}
	}

	g.releaseIfEmpty(space)
}
