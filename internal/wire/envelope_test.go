package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestValidateStructure_RejectsProtocolMismatch(t *testing.T) {
	env := Envelope{Protocol: "mew/v0.1", Kind: KindChat, Payload: json.RawMessage(`{}`)}
	err := env.ValidateStructure()
	var se *StructuralError
	if !errors.As(err, &se) || se.Code != ErrCodeProtocolMismatch {
		t.Fatalf("expected %s, got %v", ErrCodeProtocolMismatch, err)
	}
}

func TestValidateStructure_RejectsMissingKind(t *testing.T) {
	env := Envelope{Protocol: ProtocolVersion, Payload: json.RawMessage(`{}`)}
	err := env.ValidateStructure()
	var se *StructuralError
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidEnvelope {
		t.Fatalf("expected %s, got %v", ErrCodeInvalidEnvelope, err)
	}
}

func TestValidateStructure_RejectsUnknownKind(t *testing.T) {
	env := Envelope{Protocol: ProtocolVersion, Kind: "not/a/real/kind", Payload: json.RawMessage(`{}`)}
	err := env.ValidateStructure()
	var se *StructuralError
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidEnvelope {
		t.Fatalf("expected %s, got %v", ErrCodeInvalidEnvelope, err)
	}
}

func TestValidateStructure_RejectsReservedNamespace(t *testing.T) {
	env := Envelope{Protocol: ProtocolVersion, Kind: KindSystemWelcome, Payload: json.RawMessage(`{}`)}
	err := env.ValidateStructure()
	var se *StructuralError
	if !errors.As(err, &se) || se.Code != ErrCodeReservedNamespace {
		t.Fatalf("expected %s, got %v", ErrCodeReservedNamespace, err)
	}
}

func TestValidateStructure_RejectsMissingPayload(t *testing.T) {
	env := Envelope{Protocol: ProtocolVersion, Kind: KindChat}
	err := env.ValidateStructure()
	var se *StructuralError
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidEnvelope {
		t.Fatalf("expected %s, got %v", ErrCodeInvalidEnvelope, err)
	}
}

func TestValidateStructure_AcceptsWellFormedEnvelope(t *testing.T) {
	env := Envelope{Protocol: ProtocolVersion, Kind: KindChat, Payload: json.RawMessage(`{"text":"hi"}`)}
	if err := env.ValidateStructure(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCanonicalize_StampsIDAndTSWhenAbsent(t *testing.T) {
	fixedNow := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := Envelope{Kind: KindChat, Payload: json.RawMessage(`{}`)}

	out := env.Canonicalize("runtime-1", func() string { return "new-id" }, func() time.Time { return fixedNow })

	if out.ID != "new-id" {
		t.Fatalf("expected stamped id, got %q", out.ID)
	}
	if out.TS == "" {
		t.Fatalf("expected stamped ts")
	}
	if out.From != "runtime-1" {
		t.Fatalf("expected from=runtime-1, got %q", out.From)
	}
}

func TestCanonicalize_PreservesExistingIDAndTS(t *testing.T) {
	env := Envelope{ID: "caller-id", TS: "2020-01-01T00:00:00Z", Kind: KindChat, Payload: json.RawMessage(`{}`)}

	out := env.Canonicalize("runtime-1", func() string { return "new-id" }, func() time.Time { return time.Now() })

	if out.ID != "caller-id" {
		t.Fatalf("expected preserved id, got %q", out.ID)
	}
	if out.TS != "2020-01-01T00:00:00Z" {
		t.Fatalf("expected preserved ts, got %q", out.TS)
	}
}

func TestCanonicalize_AlwaysOverwritesFrom(t *testing.T) {
	env := Envelope{From: "attacker-id", Kind: KindChat, Payload: json.RawMessage(`{}`)}

	out := env.Canonicalize("runtime-1", func() string { return "new-id" }, func() time.Time { return time.Now() })

	if out.From != "runtime-1" {
		t.Fatalf("expected from forced to runtime-1, got %q", out.From)
	}
}

func TestCheckFrom_AllowsAbsentFrom(t *testing.T) {
	env := Envelope{Kind: KindChat}
	if err := env.CheckFrom("runtime-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckFrom_AllowsMatchingFrom(t *testing.T) {
	env := Envelope{From: "runtime-1", Kind: KindChat}
	if err := env.CheckFrom("runtime-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckFrom_RejectsSpoofedFrom(t *testing.T) {
	env := Envelope{From: "someone-else", Kind: KindChat}
	err := env.CheckFrom("runtime-1")
	var se *StructuralError
	if !errors.As(err, &se) || se.Code != ErrCodeIdentitySpoof {
		t.Fatalf("expected %s, got %v", ErrCodeIdentitySpoof, err)
	}
}

func TestIsKnownKind(t *testing.T) {
	if !IsKnownKind(KindChat) {
		t.Fatalf("expected chat to be a known kind")
	}
	if IsKnownKind("bogus/kind") {
		t.Fatalf("expected unknown kind to be rejected")
	}
}

func TestIsReserved(t *testing.T) {
	if !IsReserved(KindSystemWelcome) {
		t.Fatalf("expected system/welcome to be reserved")
	}
	if IsReserved(KindChat) {
		t.Fatalf("expected chat to not be reserved")
	}
}
