package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

var ErrStreamNotFound = errors.New("gateway: stream not found")

// StreamManager allocates and tears down the binary side-channels of §4.5.
// Stream ids are minted with the same id generator the rest of the gateway
// uses for runtime ids (time-ordered, lexicographically sortable).
type StreamManager struct {
	log   *slog.Logger
	newID func() string
	now   func() time.Time
}

func NewStreamManager(log *slog.Logger, newID func() string, now func() time.Time) *StreamManager {
	return &StreamManager{log: log, newID: newID, now: now}
}

// Open allocates a stream_id, records its metadata verbatim from the
// originating stream/request, and registers the owner as holding it. Returns
// false (and no stream) if the owner has hit MaxStreamsPerParticipant.
func (sm *StreamManager) Open(space *Space, owner *Participant, req wire.StreamRequestPayload) (*StreamInfo, bool) {
	id := sm.newID()
	if !owner.addOwnedStream(id) {
		return nil, false
	}

	info := &StreamInfo{
		StreamID:          id,
		Owner:             owner.RuntimeID,
		Direction:         req.Direction,
		Created:           sm.now().UTC().Format(time.RFC3339Nano),
		ContentType:       req.ContentType,
		Format:            req.Format,
		Description:       req.Description,
		ExpectedSizeBytes: req.ExpectedSizeBytes,
	}
	if len(req.Metadata) > 0 {
		info.Metadata = append([]byte(nil), req.Metadata...)
	}

	space.mu.Lock()
	space.activeStreams[id] = info
	space.mu.Unlock()

	sm.log.Info("stream.open", "space_id", space.ID, "stream_id", id, "owner", owner.RuntimeID, "direction", req.Direction)
	return info, true
}

// Close removes a stream entry (requested by either side, per §4.5 step 5).
func (sm *StreamManager) Close(space *Space, streamID string) (*StreamInfo, error) {
	space.mu.Lock()
	info, ok := space.activeStreams[streamID]
	if ok {
		delete(space.activeStreams, streamID)
	}
	space.mu.Unlock()

	if !ok {
		return nil, ErrStreamNotFound
	}
	if owner, ok := space.Get(info.Owner); ok {
		owner.removeOwnedStream(streamID)
	}

	sm.log.Info("stream.close", "space_id", space.ID, "stream_id", streamID)
	return info, nil
}

// CloseAllOwnedBy is called on owner disconnect (§4.5 step 6): every stream
// the departing participant owned is dropped and returned, so the caller
// (Gateway.Disconnect) can broadcast a synthetic
// stream/close{reason:"owner_disconnected"} for each.
func (sm *StreamManager) CloseAllOwnedBy(space *Space, ownerRuntimeID string) []*StreamInfo {
	space.mu.Lock()
	var closed []*StreamInfo
	for id, info := range space.activeStreams {
		if info.Owner == ownerRuntimeID {
			closed = append(closed, info)
			delete(space.activeStreams, id)
		}
	}
	space.mu.Unlock()
	return closed
}

// closeEnvelope builds the stream/close broadcast envelope for a teardown.
func closeEnvelope(streamID, reason string, newID func() string, now time.Time) wire.Envelope {
	payload, _ := json.Marshal(wire.StreamClosePayload{StreamID: streamID, Reason: reason})
	return systemEnvelope(wire.KindStreamClose, nil, nil, payload, newID, now)
}
