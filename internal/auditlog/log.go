// Package auditlog persists a durable record of capability grant/revoke
// decisions, independent of the gateway's in-memory routing state (spec §5:
// routing/capability state itself is ephemeral and lives only as long as a
// space has participants; this package is the optional durability layer an
// operator can attach on top of that for compliance/debugging, mirroring the
// teacher's message-history store but for grant events instead of chat
// messages).
package auditlog

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one durable grant or revoke record.
type Event struct {
	SpaceID     string
	EnvelopeID  string // idempotency key: the capability/grant or capability/revoke envelope id
	Seq         int64
	Action      string // "grant" | "revoke"
	GrantorID   string
	RecipientID string
	Pattern     json.RawMessage
	RecordedAt  time.Time
}

// RecordInput describes a grant/revoke event to persist.
type RecordInput struct {
	SpaceID     string
	EnvelopeID  string
	Action      string
	GrantorID   string
	RecipientID string
	Pattern     json.RawMessage
	Now         time.Time
}

// RecordResult reports whether the event was newly stored or already present.
type RecordResult struct {
	Stored     Event
	Duplicated bool
}

// FetchHistoryInput describes a history query for one space.
type FetchHistoryInput struct {
	SpaceID  string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult is a history query's result window.
type FetchHistoryResult struct {
	Events  []Event
	HasMore bool
}

// Log persists and queries capability grant/revoke events.
//
// Requirements mirror the teacher's MessageStore: idempotency per
// (space_id, envelope_id), monotonic seq per space, history ordered by seq
// ascending.
type Log interface {
	Record(ctx context.Context, in RecordInput) (RecordResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// GatewaySink adapts a Log to the gateway's narrower AuditSink interface
// (RecordGrant/RecordRevoke), so callers can inject whichever Log
// implementation (in-memory or Postgres) without the gateway package having
// to know about RecordInput/RecordResult.
type GatewaySink struct {
	Log Log
}

func (s GatewaySink) RecordGrant(ctx context.Context, spaceID, envelopeID, grantorID, recipientID string, pattern json.RawMessage, at time.Time) error {
	_, err := s.Log.Record(ctx, RecordInput{
		SpaceID:     spaceID,
		EnvelopeID:  envelopeID,
		Action:      "grant",
		GrantorID:   grantorID,
		RecipientID: recipientID,
		Pattern:     pattern,
		Now:         at,
	})
	return err
}

func (s GatewaySink) RecordRevoke(ctx context.Context, spaceID, envelopeID, grantorID, recipientID string, pattern json.RawMessage, at time.Time) error {
	_, err := s.Log.Record(ctx, RecordInput{
		SpaceID:     spaceID,
		EnvelopeID:  envelopeID,
		Action:      "revoke",
		GrantorID:   grantorID,
		RecipientID: recipientID,
		Pattern:     pattern,
		Now:         at,
	})
	return err
}
