package gateway

import "testing"

func TestSpace_JoinIndexesByLogicalNameAndRuntimeID(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	p := NewParticipant("rt-1", "coordinator", "tok", nil, Limits{})
	space.Join(p)

	if got, ok := space.Get("rt-1"); !ok || got != p {
		t.Fatalf("Get(rt-1) = %v, %v", got, ok)
	}
	if id, ok := space.RuntimeIDFor("coordinator"); !ok || id != "rt-1" {
		t.Fatalf("RuntimeIDFor(coordinator) = %q, %v", id, ok)
	}
	if name, ok := space.LogicalNameFor("rt-1"); !ok || name != "coordinator" {
		t.Fatalf("LogicalNameFor(rt-1) = %q, %v", name, ok)
	}
	if space.IsEmpty() {
		t.Fatalf("space should not be empty after Join")
	}
}

func TestSpace_LeaveReturnsOwnedStreamsAndClosesParticipant(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	p := NewParticipant("rt-1", "streamer", "tok", nil, Limits{})
	space.Join(p)
	space.activeStreams["s-1"] = &StreamInfo{StreamID: "s-1", Owner: "rt-1"}
	space.activeStreams["s-2"] = &StreamInfo{StreamID: "s-2", Owner: "rt-other"}

	owned := space.Leave("rt-1")
	if len(owned) != 1 || owned[0].StreamID != "s-1" {
		t.Fatalf("owned = %+v, want only s-1", owned)
	}
	if _, ok := space.Get("rt-1"); ok {
		t.Fatalf("expected rt-1 to be gone after Leave")
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("expected Leave to close the participant")
	}
	if !space.IsEmpty() {
		t.Fatalf("expected the space to be empty after its only participant leaves")
	}
}

func TestSpace_ResolveRecipientsAcceptsNamesAndRuntimeIDs(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	p := NewParticipant("rt-1", "coordinator", "tok", nil, Limits{})
	space.Join(p)

	byName := space.ResolveRecipients([]string{"coordinator"})
	byID := space.ResolveRecipients([]string{"rt-1"})
	ghost := space.ResolveRecipients([]string{"nobody"})

	if len(byName) != 1 || byName[0] != "rt-1" {
		t.Fatalf("byName = %+v", byName)
	}
	if len(byID) != 1 || byID[0] != "rt-1" {
		t.Fatalf("byID = %+v", byID)
	}
	if len(ghost) != 0 {
		t.Fatalf("ghost = %+v, want empty", ghost)
	}
}

func TestSpace_SnapshotExcludesGivenRuntimeID(t *testing.T) {
	log := testLogger()
	space := NewSpace(log, "space-1")
	a := NewParticipant("rt-1", "a", "tok", nil, Limits{})
	b := NewParticipant("rt-2", "b", "tok", nil, Limits{})
	space.Join(a)
	space.Join(b)

	snap := space.Snapshot("rt-1")
	if len(snap) != 1 || snap[0].ID != "rt-2" {
		t.Fatalf("snapshot = %+v, want only rt-2", snap)
	}
}
