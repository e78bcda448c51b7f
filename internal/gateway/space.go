package gateway

import (
	"log/slog"
	"sync"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// StreamInfo records an open binary side-channel, echoed verbatim into
// system/welcome.active_streams for late joiners (§4.5).
type StreamInfo struct {
	StreamID          string
	Owner             string
	Direction         string
	Created           string
	ContentType       string
	Format            string
	Description       string
	ExpectedSizeBytes *int64
	Metadata          []byte // raw JSON, copied verbatim from stream/request
}

func (s StreamInfo) toWelcome() wire.SystemWelcomeStream {
	return wire.SystemWelcomeStream{
		StreamID:          s.StreamID,
		Owner:             s.Owner,
		Direction:         s.Direction,
		Created:           s.Created,
		ContentType:       s.ContentType,
		Format:            s.Format,
		Description:       s.Description,
		ExpectedSizeBytes: s.ExpectedSizeBytes,
		Metadata:          s.Metadata,
	}
}

// Space is an isolated routing scope: one named multi-participant broadcast
// domain. All mutation of participants, the name index, and active streams
// happens under a single mutex, per the concurrency model's "shared-state
// policy" (§5): readers may take a snapshot, but the registry is the only
// mutator.
type Space struct {
	log *slog.Logger
	ID  string

	mu              sync.RWMutex
	participants    map[string]*Participant // runtime_id -> Participant
	nameToRuntime   map[string]string        // logical_name -> runtime_id
	runtimeToName   map[string]string        // runtime_id -> logical_name
	activeStreams   map[string]*StreamInfo   // stream_id -> StreamInfo
}

// NewSpace constructs an empty space. Spaces are created lazily on first
// participant and may be destroyed by the owning Gateway when empty.
func NewSpace(log *slog.Logger, id string) *Space {
	return &Space{
		log:           log,
		ID:            id,
		participants:  make(map[string]*Participant),
		nameToRuntime: make(map[string]string),
		runtimeToName: make(map[string]string),
		activeStreams: make(map[string]*StreamInfo),
	}
}

// Join registers a newly authenticated participant, indexing it by logical
// name. Any previous connection under the same logical name is NOT evicted
// here; callers (the connection lifecycle) decide reconnection policy.
func (s *Space) Join(p *Participant) {
	if s == nil || p == nil {
		return
	}
	s.mu.Lock()
	s.participants[p.RuntimeID] = p
	s.nameToRuntime[p.LogicalName] = p.RuntimeID
	s.runtimeToName[p.RuntimeID] = p.LogicalName
	s.mu.Unlock()

	s.log.Info("space.participant.join", "space_id", s.ID, "runtime_id", p.RuntimeID, "logical_name", p.LogicalName)
}

// Leave removes a participant and returns the StreamInfo entries it owned so
// the caller can emit the owner_disconnected stream/close notices and reject
// its pending requests.
func (s *Space) Leave(runtimeID string) (owned []*StreamInfo) {
	if s == nil || runtimeID == "" {
		return nil
	}

	var p *Participant

	s.mu.Lock()
	p = s.participants[runtimeID]
	delete(s.participants, runtimeID)
	if name, ok := s.runtimeToName[runtimeID]; ok {
		delete(s.runtimeToName, runtimeID)
		if s.nameToRuntime[name] == runtimeID {
			delete(s.nameToRuntime, name)
		}
	}
	for id, info := range s.activeStreams {
		if info.Owner == runtimeID {
			owned = append(owned, info)
			delete(s.activeStreams, id)
		}
	}
	s.mu.Unlock()

	if p != nil {
		p.Close()
	}

	s.log.Info("space.participant.leave", "space_id", s.ID, "runtime_id", runtimeID)
	return owned
}

// Get returns the live participant for a runtime id, if connected.
func (s *Space) Get(runtimeID string) (*Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[runtimeID]
	return p, ok
}

// RuntimeIDFor resolves a logical name to its currently connected runtime id.
func (s *Space) RuntimeIDFor(logicalName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.nameToRuntime[logicalName]
	return id, ok
}

// LogicalNameFor resolves a runtime id back to its configured logical name.
func (s *Space) LogicalNameFor(runtimeID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.runtimeToName[runtimeID]
	return name, ok
}

// ResolveRecipients rewrites a to-list of logical names or runtime ids into
// connected runtime ids. Names that resolve to nobody connected are dropped
// silently (the router surfaces unknown_recipient only when the whole list
// resolves to nothing, per §4.4/§13.1).
func (s *Space) ResolveRecipients(to []string) (resolved []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range to {
		if _, ok := s.participants[t]; ok {
			resolved = append(resolved, t)
			continue
		}
		if runtimeID, ok := s.nameToRuntime[t]; ok {
			resolved = append(resolved, runtimeID)
		}
	}
	return resolved
}

// Snapshot returns every currently connected participant's runtime id and
// effective capabilities, used to build system/welcome.participants.
func (s *Space) Snapshot(excludeRuntimeID string) []wire.SystemWelcomeParticipant {
	s.mu.RLock()
	ids := make([]*Participant, 0, len(s.participants))
	for id, p := range s.participants {
		if id == excludeRuntimeID {
			continue
		}
		ids = append(ids, p)
	}
	s.mu.RUnlock()

	out := make([]wire.SystemWelcomeParticipant, 0, len(ids))
	for _, p := range ids {
		out = append(out, wire.SystemWelcomeParticipant{
			ID:           p.RuntimeID,
			Capabilities: []wire.Capability(p.EffectiveCapabilities()),
		})
	}
	return out
}

// ActiveStreamsSnapshot returns every open stream for inclusion in a fresh
// joiner's system/welcome.active_streams (§4.5: "late joiners receive a
// snapshot of every open stream").
func (s *Space) ActiveStreamsSnapshot() []wire.SystemWelcomeStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.SystemWelcomeStream, 0, len(s.activeStreams))
	for _, info := range s.activeStreams {
		out = append(out, info.toWelcome())
	}
	return out
}

// IsEmpty reports whether the space currently has no connected participants,
// used by the owning Gateway to decide whether to garbage-collect it.
func (s *Space) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants) == 0
}

// all returns every connected participant, for broadcast fanout.
func (s *Space) all() []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out
}
