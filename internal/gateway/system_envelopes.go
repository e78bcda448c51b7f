package gateway

import (
	"encoding/json"
	"time"

	"github.com/rjcorwin/mew-protocol-sub006/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// systemEnvelope stamps the fields every gateway-originated envelope shares:
// protocol tag, fresh id, current timestamp, from="system:gateway".
func systemEnvelope(kind string, to []string, correlationID []string, payload json.RawMessage, newID func() string, now time.Time) wire.Envelope {
	return wire.Envelope{
		Protocol:      wire.ProtocolVersion,
		ID:            newID(),
		TS:            now.UTC().Format(time.RFC3339Nano),
		From:          "system:gateway",
		To:            to,
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

func systemErrorEnvelope(to string, correlationID []string, code, attemptedKind string, caps capability.Set, newID func() string, now time.Time) wire.Envelope {
	p := wire.SystemErrorPayload{
		Error:         code,
		AttemptedKind: attemptedKind,
	}
	if caps != nil {
		p.YourCapabilities = []wire.Capability(caps)
	}
	payload, _ := json.Marshal(p)
	return systemEnvelope(wire.KindSystemError, []string{to}, correlationID, payload, newID, now)
}

func systemWelcomeEnvelope(to *Participant, space *Space, newID func() string, now time.Time) wire.Envelope {
	p := wire.SystemWelcomePayload{
		You: wire.SystemWelcomeYou{
			ID:           to.RuntimeID,
			Capabilities: []wire.Capability(to.EffectiveCapabilities()),
		},
		Participants:  space.Snapshot(to.RuntimeID),
		ActiveStreams: space.ActiveStreamsSnapshot(),
	}
	payload, _ := json.Marshal(p)
	return systemEnvelope(wire.KindSystemWelcome, []string{to.RuntimeID}, nil, payload, newID, now)
}

func systemPresenceEnvelope(event string, participant *Participant, newID func() string, now time.Time) wire.Envelope {
	p := wire.SystemPresencePayload{
		Event: event,
		Participant: wire.SystemWelcomeParticipant{
			ID:           participant.RuntimeID,
			Capabilities: []wire.Capability(participant.EffectiveCapabilities()),
		},
	}
	payload, _ := json.Marshal(p)
	return systemEnvelope(wire.KindSystemPresence, nil, nil, payload, newID, now)
}
