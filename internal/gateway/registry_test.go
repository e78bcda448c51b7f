package gateway

import (
	"testing"

	"github.com/rjcorwin/mew-protocol-sub006/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

func TestRegistry_GrantAppendsAndStampsGrantID(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	grantor := NewParticipant("rt-1", "coordinator", "tok", capability.Set{{Kind: "mcp/request"}}, Limits{})
	recipient := NewParticipant("rt-2", "worker", "tok", nil, Limits{})
	space.Join(grantor)
	space.Join(recipient)

	reg := NewRegistry(log)
	effective, err := reg.Grant(space, grantor, "rt-2", []wire.Capability{{Kind: "mcp/request"}}, "env-1")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if len(effective) != 1 || effective[0].GrantID != "env-1" {
		t.Fatalf("effective = %+v, want one capability stamped with env-1", effective)
	}
}

func TestRegistry_GrantRejectsUnknownRecipient(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	grantor := NewParticipant("rt-1", "coordinator", "tok", capability.Set{{Kind: "mcp/request"}}, Limits{})
	space.Join(grantor)

	reg := NewRegistry(log)
	if _, err := reg.Grant(space, grantor, "rt-ghost", []wire.Capability{{Kind: "mcp/request"}}, "env-1"); err != ErrUnknownRecipient {
		t.Fatalf("err = %v, want ErrUnknownRecipient", err)
	}
}

func TestRegistry_GrantRejectsExceedingGrantorScope(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	grantor := NewParticipant("rt-1", "coordinator", "tok", capability.Set{{Kind: "chat"}}, Limits{})
	recipient := NewParticipant("rt-2", "worker", "tok", nil, Limits{})
	space.Join(grantor)
	space.Join(recipient)

	reg := NewRegistry(log)
	_, err := reg.Grant(space, grantor, "rt-2", []wire.Capability{{Kind: "mcp/request"}}, "env-1")
	if err == nil {
		t.Fatalf("expected an error when granting beyond the grantor's own scope")
	}
}

func TestRegistry_RevokeByGrantIDRemovesOnlyThatGrant(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	recipient := NewParticipant("rt-2", "worker", "tok", nil, Limits{})
	space.Join(recipient)
	recipient.AppendRuntimeCapabilities(
		wire.Capability{Kind: "mcp/request", GrantID: "env-1"},
		wire.Capability{Kind: "chat", GrantID: "env-2"},
	)

	reg := NewRegistry(log)
	effective, err := reg.Revoke(space, "rt-2", "env-1", nil)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(effective) != 1 || effective[0].Kind != "chat" {
		t.Fatalf("effective = %+v, want only the chat grant to survive", effective)
	}
}

func TestRegistry_RevokeByPatternRemovesEverySubsumedGrant(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	recipient := NewParticipant("rt-2", "worker", "tok", nil, Limits{})
	space.Join(recipient)
	recipient.AppendRuntimeCapabilities(
		wire.Capability{Kind: "mcp/request", Payload: []byte(`{"method":"tools/list"}`), GrantID: "env-1"},
		wire.Capability{Kind: "mcp/request", Payload: []byte(`{"method":"tools/call"}`), GrantID: "env-2"},
		wire.Capability{Kind: "chat", GrantID: "env-3"},
	)

	reg := NewRegistry(log)
	pattern := wire.Capability{Kind: "mcp/request", Payload: []byte(`{"method":"tools/*"}`)}
	effective, err := reg.Revoke(space, "rt-2", "", &pattern)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(effective) != 1 || effective[0].Kind != "chat" {
		t.Fatalf("effective = %+v, want only chat to survive the pattern revoke", effective)
	}
}

func TestRegistry_RevokeNoMatchIsNoOp(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	recipient := NewParticipant("rt-2", "worker", "tok", nil, Limits{})
	space.Join(recipient)
	recipient.AppendRuntimeCapabilities(wire.Capability{Kind: "chat", GrantID: "env-1"})

	reg := NewRegistry(log)
	effective, err := reg.Revoke(space, "rt-2", "env-ghost", nil)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(effective) != 1 {
		t.Fatalf("effective = %+v, want the unrelated grant untouched", effective)
	}
}
