package auditlog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const maxEventsPerSpace = 10_000

// InMemoryLog is a dev-only fallback when no database is configured.
type InMemoryLog struct {
	mu     sync.Mutex
	spaces map[string]*memSpace
}

type memSpace struct {
	seq    int64
	dedupe map[string]Event // envelope_id -> stored event
	events []Event          // ordered by seq
}

// NewInMemoryLog constructs an in-memory Log implementation.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{spaces: make(map[string]*memSpace)}
}

func (l *InMemoryLog) Close() error { return nil }

func (l *InMemoryLog) Record(ctx context.Context, in RecordInput) (RecordResult, error) {
	if in.SpaceID == "" || in.EnvelopeID == "" || in.Action == "" {
		return RecordResult{}, errors.New("auditlog: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return RecordResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sp := l.spaces[in.SpaceID]
	if sp == nil {
		sp = &memSpace{dedupe: make(map[string]Event), events: make([]Event, 0, 64)}
		l.spaces[in.SpaceID] = sp
	}

	if existing, ok := sp.dedupe[in.EnvelopeID]; ok {
		return RecordResult{Stored: existing, Duplicated: true}, nil
	}

	sp.seq++
	ev := Event{
		SpaceID:     in.SpaceID,
		EnvelopeID:  in.EnvelopeID,
		Seq:         sp.seq,
		Action:      in.Action,
		GrantorID:   in.GrantorID,
		RecipientID: in.RecipientID,
		Pattern:     in.Pattern,
		RecordedAt:  now,
	}
	sp.dedupe[in.EnvelopeID] = ev
	sp.events = append(sp.events, ev)

	if len(sp.events) > maxEventsPerSpace {
		sp.events = sp.events[len(sp.events)-maxEventsPerSpace:]
	}

	return RecordResult{Stored: ev, Duplicated: false}, nil
}

func (l *InMemoryLog) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.SpaceID == "" {
		return FetchHistoryResult{}, errors.New("auditlog: missing space_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	l.mu.Lock()
	sp := l.spaces[in.SpaceID]
	var snap []Event
	if sp != nil {
		snap = append([]Event(nil), sp.events...)
	}
	l.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchHistoryResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchHistoryResult{Events: out, HasMore: hasMore}, nil
}
