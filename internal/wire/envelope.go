// Package wire defines the MEW protocol envelope contract.
//
// This package is intentionally stable and dependency-light: it is shared
// between the gateway and the participant runtime to keep the wire protocol
// authoritative in one place.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the protocol tag embedded into every envelope.
const ProtocolVersion = "mew/v0.4"

// Kind is the closed set of envelope kinds.
const (
	KindMCPRequest  = "mcp/request"
	KindMCPResponse = "mcp/response"
	KindMCPProposal = "mcp/proposal"
	KindMCPWithdraw = "mcp/withdraw"
	KindMCPReject   = "mcp/reject"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityRevoke   = "capability/revoke"
	KindCapabilityGrantAck = "capability/grant-ack"

	KindSpaceInvite = "space/invite"
	KindSpaceKick   = "space/kick"

	KindParticipantPause         = "participant/pause"
	KindParticipantResume        = "participant/resume"
	KindParticipantStatus        = "participant/status"
	KindParticipantRequestStatus = "participant/request-status"
	KindParticipantForget        = "participant/forget"
	KindParticipantCompact       = "participant/compact"
	KindParticipantCompactDone   = "participant/compact-done"
	KindParticipantClear         = "participant/clear"
	KindParticipantRestart       = "participant/restart"
	KindParticipantShutdown      = "participant/shutdown"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"

	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	// Gateway-only kinds. Participants MUST NOT send these (reserved namespace).
	KindSystemPresence = "system/presence"
	KindSystemWelcome  = "system/welcome"
	KindSystemError    = "system/error"
)

// reservedPrefix is the namespace only the gateway may produce.
const reservedPrefix = "system/"

// allowedKinds is the closed set an envelope's Kind must belong to.
var allowedKinds = map[string]struct{}{
	KindMCPRequest: {}, KindMCPResponse: {}, KindMCPProposal: {}, KindMCPWithdraw: {}, KindMCPReject: {},
	KindReasoningStart: {}, KindReasoningThought: {}, KindReasoningConclusion: {}, KindReasoningCancel: {},
	KindCapabilityGrant: {}, KindCapabilityRevoke: {}, KindCapabilityGrantAck: {},
	KindSpaceInvite: {}, KindSpaceKick: {},
	KindParticipantPause: {}, KindParticipantResume: {}, KindParticipantStatus: {},
	KindParticipantRequestStatus: {}, KindParticipantForget: {}, KindParticipantCompact: {},
	KindParticipantCompactDone: {}, KindParticipantClear: {}, KindParticipantRestart: {}, KindParticipantShutdown: {},
	KindStreamRequest: {}, KindStreamOpen: {}, KindStreamClose: {},
	KindChat: {}, KindChatAcknowledge: {}, KindChatCancel: {},
	KindSystemPresence: {}, KindSystemWelcome: {}, KindSystemError: {},
}

// IsKnownKind reports whether kind belongs to the closed set.
func IsKnownKind(kind string) bool {
	_, ok := allowedKinds[kind]
	return ok
}

// IsReserved reports whether kind is in the gateway-only "system/" namespace.
func IsReserved(kind string) bool {
	return strings.HasPrefix(kind, reservedPrefix)
}

// Envelope is the canonical on-wire unit.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id,omitempty"`
	TS            string          `json:"ts,omitempty"`
	From          string          `json:"from,omitempty"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// StructuralError classifies a rejection at envelope-validation time.
type StructuralError struct {
	Code string
	Err  error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Structural error codes.
const (
	ErrCodeProtocolMismatch  = "protocol_mismatch"
	ErrCodeInvalidEnvelope   = "invalid_envelope"
	ErrCodeReservedNamespace = "reserved_namespace"
	ErrCodeIdentitySpoof     = "identity_spoof"
)

func structErr(code string, msg string) *StructuralError {
	return &StructuralError{Code: code, Err: errors.New(msg)}
}

// ValidateStructure checks the invariants that don't depend on the
// authenticated sender (from/spoof checks live in CheckFrom, since only the
// caller knows the runtime id the connection authenticated as).
func (e Envelope) ValidateStructure() error {
	if e.Protocol != ProtocolVersion {
		return structErr(ErrCodeProtocolMismatch, fmt.Sprintf("unsupported protocol: %q", e.Protocol))
	}
	if strings.TrimSpace(e.Kind) == "" {
		return structErr(ErrCodeInvalidEnvelope, "missing kind")
	}
	if !IsKnownKind(e.Kind) {
		return structErr(ErrCodeInvalidEnvelope, fmt.Sprintf("unknown kind: %q", e.Kind))
	}
	if IsReserved(e.Kind) {
		return structErr(ErrCodeReservedNamespace, fmt.Sprintf("reserved namespace: %q", e.Kind))
	}
	if e.Payload == nil {
		return structErr(ErrCodeInvalidEnvelope, "missing payload")
	}
	return nil
}

// Canonicalize stamps defaults: fresh id/ts if absent, and forces from to
// the authenticated sender's runtime id (invariant: from is authoritative).
func (e Envelope) Canonicalize(runtimeID string, newID func() string, now func() time.Time) Envelope {
	out := e
	if strings.TrimSpace(out.ID) == "" {
		out.ID = newID()
	}
	if strings.TrimSpace(out.TS) == "" {
		out.TS = now().UTC().Format(time.RFC3339Nano)
	}
	out.From = runtimeID
	return out
}

// CheckFrom rejects a present `from` that disagrees with the authenticated
// sender, rather than silently overwriting an attempted spoof.
func (e Envelope) CheckFrom(runtimeID string) error {
	if e.From != "" && e.From != runtimeID {
		return structErr(ErrCodeIdentitySpoof, fmt.Sprintf("from=%q does not match runtime id=%q", e.From, runtimeID))
	}
	return nil
}

// ---- Payload shapes (§3.x / §6.2) ----

type SystemWelcomeYou struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
}

type SystemWelcomeParticipant struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
}

type SystemWelcomeStream struct {
	StreamID          string          `json:"stream_id"`
	Owner             string          `json:"owner"`
	Direction         string          `json:"direction"`
	Created           string          `json:"created"`
	ContentType       string          `json:"content_type,omitempty"`
	Format            string          `json:"format,omitempty"`
	Description       string          `json:"description,omitempty"`
	ExpectedSizeBytes *int64          `json:"expected_size_bytes,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
}

type SystemWelcomePayload struct {
	You          SystemWelcomeYou           `json:"you"`
	Participants []SystemWelcomeParticipant `json:"participants"`
	ActiveStreams []SystemWelcomeStream     `json:"active_streams,omitempty"`
}

type SystemPresencePayload struct {
	Event       string                   `json:"event"` // "join" | "leave"
	Participant SystemWelcomeParticipant `json:"participant"`
}

type SystemErrorPayload struct {
	Error           string       `json:"error"`
	AttemptedKind   string       `json:"attempted_kind,omitempty"`
	YourCapabilities []Capability `json:"your_capabilities,omitempty"`
}

// Capability is a JSON pattern matched against outgoing envelopes.
type Capability struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	GrantID string          `json:"grant_id,omitempty"`
}

type StreamRequestPayload struct {
	Direction         string          `json:"direction"`
	ContentType       string          `json:"content_type,omitempty"`
	Format            string          `json:"format,omitempty"`
	Description       string          `json:"description,omitempty"`
	ExpectedSizeBytes *int64          `json:"expected_size_bytes,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
}

type StreamOpenPayload struct {
	StreamID string `json:"stream_id"`
	Encoding string `json:"encoding,omitempty"`
}

type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

type CapabilityGrantPayload struct {
	Recipient    string       `json:"recipient"`
	Capabilities []Capability `json:"capabilities"`
	Reason       string       `json:"reason,omitempty"`
}

type CapabilityRevokePayload struct {
	Recipient string      `json:"recipient"`
	GrantID   string      `json:"grant_id,omitempty"`
	Pattern   *Capability `json:"pattern,omitempty"`
}

type CapabilityGrantAckPayload struct {
	Status string `json:"status"`
}
