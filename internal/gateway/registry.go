package gateway

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rjcorwin/mew-protocol-sub006/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// Sentinel errors surfaced by the registry; the transport layer translates
// them to the closed system/error code set at the protocol boundary.
var (
	ErrUnknownRecipient    = errors.New("gateway: unknown grant recipient")
	ErrExceedsGrantorScope = errors.New("gateway: grant exceeds grantor's own capabilities")
	ErrCapabilityOverflow  = errors.New("gateway: capability list would exceed the configured maximum")
)

// Registry applies capability/grant and capability/revoke atomically against
// a Space's participants, per §4.2's grant protocol. It does not itself
// check that the sender holds `capability/grant` -- that's an ordinary
// capability-engine check against the grant envelope's own kind, performed
// before the registry is invoked.
type Registry struct {
	log *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{log: log}
}

// Grant appends capabilities to recipient's runtime set, after verifying the
// grantor cannot hand out more than it itself possesses (the "subset check,
// applied pattern-by-pattern" of §4.2 step 2). Each granted pattern is
// stamped with grantEnvelopeID as its GrantID (step 3). Returns the
// recipient's full effective set after the mutation, ready to go into a
// refreshed system/welcome.
func (reg *Registry) Grant(space *Space, grantor *Participant, recipientRuntimeID string, grants []wire.Capability, grantEnvelopeID string) (capability.Set, error) {
	recipient, ok := space.Get(recipientRuntimeID)
	if !ok {
		return nil, ErrUnknownRecipient
	}

	grantorSet := grantor.EffectiveCapabilities()
	for _, g := range grants {
		subsumed := false
		for _, own := range grantorSet {
			if capability.Subset(g, own) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			return nil, fmt.Errorf("%w: %s", ErrExceedsGrantorScope, g.Kind)
		}
	}

	stamped := make([]wire.Capability, len(grants))
	for i, g := range grants {
		g.GrantID = grantEnvelopeID
		stamped[i] = g
	}

	if !recipient.AppendRuntimeCapabilities(stamped...) {
		return nil, ErrCapabilityOverflow
	}

	reg.log.Info("capability.grant",
		"space_id", space.ID,
		"grantor", grantor.RuntimeID,
		"recipient", recipientRuntimeID,
		"grant_id", grantEnvelopeID,
		"count", len(grants),
	)

	return recipient.EffectiveCapabilities(), nil
}

// Revoke removes either a single grant by id, or every runtime grant
// structurally subsumed by pattern (§4.2 step 5). Revoking a grant that
// doesn't exist is a no-op, not an error (§8 boundary behavior).
func (reg *Registry) Revoke(space *Space, recipientRuntimeID string, grantID string, pattern *wire.Capability) (capability.Set, error) {
	recipient, ok := space.Get(recipientRuntimeID)
	if !ok {
		return nil, ErrUnknownRecipient
	}

	switch {
	case grantID != "":
		recipient.RevokeByGrantID(grantID)
	case pattern != nil:
		recipient.RevokeByPattern(*pattern)
	}

	reg.log.Info("capability.revoke",
		"space_id", space.ID,
		"recipient", recipientRuntimeID,
		"grant_id", grantID,
	)

	return recipient.EffectiveCapabilities(), nil
}
