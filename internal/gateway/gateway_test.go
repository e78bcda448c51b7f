package gateway

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/rjcorwin/mew-protocol-sub006/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + "-" + itoa(n)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func fixedNow() time.Time {
	return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
}

func newTestGateway() *Gateway {
	return New(testLogger(), sequentialIDs("id"), fixedNow, Limits{})
}

func envelope(kind string, to []string, payload any) json.RawMessage {
	p, _ := json.Marshal(payload)
	env := wire.Envelope{
		Protocol: wire.ProtocolVersion,
		Kind:     kind,
		To:       to,
		Payload:  p,
	}
	raw, _ := json.Marshal(env)
	return raw
}

// wildcardCap grants every kind exercised by these tests. The matcher
// requires equal segment counts for "*" to apply, so a single top-level "*"
// would not reach two-segment kinds like "mcp/request" -- list them out
// instead of relying on one catch-all pattern.
func wildcardCap() capability.Set {
	return capability.Set{
		{Kind: "chat"},
		{Kind: "mcp/request"},
		{Kind: "mcp/response"},
		{Kind: "capability/grant"},
		{Kind: "capability/revoke"},
		{Kind: "stream/request"},
		{Kind: "stream/close"},
	}
}

// S1: a capability violation produces a system/error with code
// capability_violation and the envelope is not routed.
func TestGateway_CapabilityViolation(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")

	sender := NewParticipant("rt-1", "coordinator", "tok", capability.Set{{Kind: "chat"}}, Limits{})
	space.Join(sender)

	raw := envelope(wire.KindMCPRequest, nil, map[string]any{"method": "tools/call"})
	_, notice, fatal := gw.AcceptEnvelope(space, sender, raw)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if notice == nil {
		t.Fatalf("expected a capability_violation notice")
	}
	var p wire.SystemErrorPayload
	if err := json.Unmarshal(notice.Payload, &p); err != nil {
		t.Fatalf("decode notice payload: %v", err)
	}
	if p.Error != "capability_violation" {
		t.Fatalf("error = %q, want capability_violation", p.Error)
	}
}

// S6: participants may never send into the reserved system/ namespace.
func TestGateway_ReservedNamespaceRejected(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")
	sender := NewParticipant("rt-1", "coordinator", "tok", wildcardCap(), Limits{})
	space.Join(sender)

	env := wire.Envelope{Protocol: wire.ProtocolVersion, Kind: wire.KindSystemWelcome, Payload: json.RawMessage(`{}`)}
	raw, _ := json.Marshal(env)

	_, notice, fatal := gw.AcceptEnvelope(space, sender, raw)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if notice == nil {
		t.Fatalf("expected a reserved_namespace notice")
	}
	var p wire.SystemErrorPayload
	if err := json.Unmarshal(notice.Payload, &p); err != nil {
		t.Fatalf("decode notice payload: %v", err)
	}
	if p.Error != wire.ErrCodeReservedNamespace {
		t.Fatalf("error = %q, want %q", p.Error, wire.ErrCodeReservedNamespace)
	}
}

// An mcp/request tracks a pending entry on the sender, keyed by the
// resolved recipient; the matching mcp/response clears it.
func TestGateway_RequestResponseClearsPending(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")

	sender := NewParticipant("rt-1", "coordinator", "tok", wildcardCap(), Limits{})
	recipient := NewParticipant("rt-2", "worker", "tok", wildcardCap(), Limits{})
	space.Join(sender)
	space.Join(recipient)

	reqRaw := envelope(wire.KindMCPRequest, []string{"rt-2"}, map[string]any{"method": "tools/call"})
	reqID, notice, fatal := gw.AcceptEnvelope(space, sender, reqRaw)
	if fatal != nil || notice != nil {
		t.Fatalf("unexpected rejection: fatal=%v notice=%+v", fatal, notice)
	}

	if pending := sender.pendingTargeting("rt-2"); len(pending) != 1 || pending[0].RequestID != reqID {
		t.Fatalf("expected sender to track pending request %q targeting rt-2, got %+v", reqID, pending)
	}

	respEnv := wire.Envelope{
		Protocol:      wire.ProtocolVersion,
		Kind:          wire.KindMCPResponse,
		To:            []string{"rt-1"},
		CorrelationID: []string{reqID},
		Payload:       json.RawMessage(`{"result":"ok"}`),
	}
	respRaw, _ := json.Marshal(respEnv)

	if _, notice, fatal := gw.AcceptEnvelope(space, recipient, respRaw); fatal != nil || notice != nil {
		t.Fatalf("unexpected rejection on response: fatal=%v notice=%+v", fatal, notice)
	}

	if pending := sender.pendingTargeting("rt-2"); len(pending) != 0 {
		t.Fatalf("expected pending request cleared after response, got %+v", pending)
	}
}

// S3: a capability/grant is broadcast before the refreshed system/welcome
// reaches the recipient.
func TestGateway_GrantThenWelcomeOrdering(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")

	grantor := NewParticipant("rt-1", "coordinator", "tok", wildcardCap(), Limits{})
	recipient := NewParticipant("rt-2", "worker", "tok", capability.Set{{Kind: "chat"}}, Limits{})
	space.Join(grantor)
	space.Join(recipient)

	grantRaw := envelope(wire.KindCapabilityGrant, nil, wire.CapabilityGrantPayload{
		Recipient:    "worker",
		Capabilities: []wire.Capability{{Kind: "mcp/request"}},
	})

	if _, notice, fatal := gw.AcceptEnvelope(space, grantor, grantRaw); fatal != nil || notice != nil {
		t.Fatalf("unexpected rejection: fatal=%v notice=%+v", fatal, notice)
	}

	var first, second Outbound
	select {
	case first = <-recipient.Send:
	default:
		t.Fatalf("expected recipient to receive the broadcast grant envelope first")
	}
	select {
	case second = <-recipient.Send:
	default:
		t.Fatalf("expected recipient to also receive a refreshed system/welcome")
	}

	if first.Envelope == nil || first.Envelope.Kind != wire.KindCapabilityGrant {
		t.Fatalf("first envelope = %+v, want capability/grant", first.Envelope)
	}
	if second.Envelope == nil || second.Envelope.Kind != wire.KindSystemWelcome {
		t.Fatalf("second envelope = %+v, want system/welcome", second.Envelope)
	}

	if !recipient.EffectiveCapabilities().Matches(wire.KindMCPRequest, json.RawMessage(`{}`)) {
		t.Fatalf("expected recipient to hold the granted mcp/request capability")
	}
}

// Grant requests that exceed the grantor's own scope are rejected.
func TestGateway_GrantExceedsGrantorScopeRejected(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")

	grantor := NewParticipant("rt-1", "coordinator", "tok", capability.Set{{Kind: "chat"}}, Limits{})
	recipient := NewParticipant("rt-2", "worker", "tok", capability.Set{{Kind: "chat"}}, Limits{})
	space.Join(grantor)
	space.Join(recipient)

	// The grantor only has capability/grant itself, so this envelope passes
	// the capability check, but attempting to hand out mcp/request (which it
	// does not possess) must be rejected by the registry.
	grantor.AppendRuntimeCapabilities(wire.Capability{Kind: "capability/grant"})

	grantRaw := envelope(wire.KindCapabilityGrant, nil, wire.CapabilityGrantPayload{
		Recipient:    "worker",
		Capabilities: []wire.Capability{{Kind: "mcp/request"}},
	})

	_, notice, fatal := gw.AcceptEnvelope(space, grantor, grantRaw)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if notice == nil {
		t.Fatalf("expected rejection notice")
	}
	if recipient.EffectiveCapabilities().Matches(wire.KindMCPRequest, json.RawMessage(`{}`)) {
		t.Fatalf("recipient should not have received an out-of-scope grant")
	}
}

// S4: a late joiner's system/welcome echoes every currently open stream.
func TestGateway_LateJoinerSeesActiveStreams(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")

	opener := NewParticipant("rt-1", "streamer", "tok", wildcardCap(), Limits{})
	space.Join(opener)

	reqRaw := envelope(wire.KindStreamRequest, nil, wire.StreamRequestPayload{Direction: "upload", ContentType: "audio/pcm"})
	if _, notice, fatal := gw.AcceptEnvelope(space, opener, reqRaw); fatal != nil || notice != nil {
		t.Fatalf("unexpected rejection opening stream: fatal=%v notice=%+v", fatal, notice)
	}

	// Drain the stream/open reply sent back to the opener.
	<-opener.Send

	joiner := NewParticipant("rt-2", "observer", "tok", wildcardCap(), Limits{})
	welcome, _ := gw.Connect(space, joiner)

	var payload wire.SystemWelcomePayload
	if err := json.Unmarshal(welcome.Payload, &payload); err != nil {
		t.Fatalf("decode welcome payload: %v", err)
	}
	if len(payload.ActiveStreams) != 1 {
		t.Fatalf("ActiveStreams = %+v, want exactly one open stream", payload.ActiveStreams)
	}
	if payload.ActiveStreams[0].ContentType != "audio/pcm" {
		t.Fatalf("ContentType = %q, want audio/pcm", payload.ActiveStreams[0].ContentType)
	}
}

// S5 (gateway half): disconnecting a participant rejects every pending
// request any peer was tracking toward it with peer_disconnected.
func TestGateway_DisconnectRejectsPendingWithPeerDisconnected(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")

	sender := NewParticipant("rt-1", "coordinator", "tok", wildcardCap(), Limits{})
	recipient := NewParticipant("rt-2", "worker", "tok", wildcardCap(), Limits{})
	space.Join(sender)
	space.Join(recipient)

	reqRaw := envelope(wire.KindMCPRequest, []string{"rt-2"}, map[string]any{"method": "tools/call"})
	if _, notice, fatal := gw.AcceptEnvelope(space, sender, reqRaw); fatal != nil || notice != nil {
		t.Fatalf("unexpected rejection: fatal=%v notice=%+v", fatal, notice)
	}

	gw.Disconnect(space, recipient)

	var found *wire.Envelope
	queued := len(sender.Send)
	for i := 0; i < queued; i++ {
		out := <-sender.Send
		if out.Envelope != nil && out.Envelope.Kind == wire.KindSystemError {
			found = out.Envelope
			break
		}
	}
	if found == nil {
		t.Fatalf("expected sender to receive a system/error for the disconnected peer")
	}
	var p wire.SystemErrorPayload
	if err := json.Unmarshal(found.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Error != "peer_disconnected" {
		t.Fatalf("error = %q, want peer_disconnected", p.Error)
	}
	if len(sender.pendingTargeting("rt-2")) != 0 {
		t.Fatalf("expected pending request cleared after peer_disconnected rejection")
	}
}

func TestGateway_UnknownRecipientNoticed(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")
	sender := NewParticipant("rt-1", "coordinator", "tok", wildcardCap(), Limits{})
	space.Join(sender)

	raw := envelope(wire.KindChat, []string{"nobody"}, map[string]any{"text": "hi"})
	_, notice, fatal := gw.AcceptEnvelope(space, sender, raw)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if notice == nil {
		t.Fatalf("expected unknown_recipient notice")
	}
	var p wire.SystemErrorPayload
	if err := json.Unmarshal(notice.Payload, &p); err != nil {
		t.Fatalf("decode notice payload: %v", err)
	}
	if p.Error != "unknown_recipient" {
		t.Fatalf("error = %q, want unknown_recipient", p.Error)
	}
}

func TestGateway_IdentitySpoofRejected(t *testing.T) {
	gw := newTestGateway()
	space := gw.SpaceFor("space-1")
	sender := NewParticipant("rt-1", "coordinator", "tok", wildcardCap(), Limits{})
	space.Join(sender)

	env := wire.Envelope{
		Protocol: wire.ProtocolVersion,
		Kind:     wire.KindChat,
		From:     "rt-2",
		Payload:  json.RawMessage(`{"text":"hi"}`),
	}
	raw, _ := json.Marshal(env)

	_, notice, fatal := gw.AcceptEnvelope(space, sender, raw)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if notice == nil {
		t.Fatalf("expected identity_spoof notice")
	}
	var p wire.SystemErrorPayload
	if err := json.Unmarshal(notice.Payload, &p); err != nil {
		t.Fatalf("decode notice payload: %v", err)
	}
	if p.Error != wire.ErrCodeIdentitySpoof {
		t.Fatalf("error = %q, want %q", p.Error, wire.ErrCodeIdentitySpoof)
	}
}
