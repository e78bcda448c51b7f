package auditlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ParticipantRecord is a durable first-seen/last-seen snapshot of one
// logical participant within one space, independent of any single
// connection's lifetime.
type ParticipantRecord struct {
	SpaceID     string
	LogicalName string
	FirstSeen   time.Time
	LastSeen    time.Time
}

// RosterStore records which logical participants have ever joined a space,
// the durability counterpart to the gateway's in-memory, connection-scoped
// Space.participants map (spec §3: the live roster is ephemeral; this is the
// optional audit trail an operator can attach on top of it).
type RosterStore interface {
	RecordJoin(ctx context.Context, spaceID, logicalName string, at time.Time) error
	ListParticipants(ctx context.Context, spaceID string) ([]ParticipantRecord, error)
	Close() error
}

// InMemoryRoster is a dev-only RosterStore fallback.
type InMemoryRoster struct {
	mu      sync.Mutex
	records map[string]map[string]*ParticipantRecord // spaceID -> logicalName -> record
}

func NewInMemoryRoster() *InMemoryRoster {
	return &InMemoryRoster{records: make(map[string]map[string]*ParticipantRecord)}
}

func (r *InMemoryRoster) Close() error { return nil }

func (r *InMemoryRoster) RecordJoin(ctx context.Context, spaceID, logicalName string, at time.Time) error {
	if spaceID == "" || logicalName == "" {
		return errors.New("auditlog: missing space_id or logical_name")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bySpace, ok := r.records[spaceID]
	if !ok {
		bySpace = make(map[string]*ParticipantRecord)
		r.records[spaceID] = bySpace
	}
	if rec, ok := bySpace[logicalName]; ok {
		rec.LastSeen = at
		return nil
	}
	bySpace[logicalName] = &ParticipantRecord{SpaceID: spaceID, LogicalName: logicalName, FirstSeen: at, LastSeen: at}
	return nil
}

func (r *InMemoryRoster) ListParticipants(ctx context.Context, spaceID string) ([]ParticipantRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bySpace := r.records[spaceID]
	out := make([]ParticipantRecord, 0, len(bySpace))
	for _, rec := range bySpace {
		out = append(out, *rec)
	}
	return out, nil
}

// PostgresRoster is a RosterStore backed by PostgreSQL, adapted from the
// teacher's conversation-membership ACL store: the same
// insert-on-conflict-update idiom, generalized from "is this user a member
// of this conversation" to "has this logical participant ever joined this
// space, and when".
type PostgresRoster struct {
	pool   *pgxpool.Pool
	schema string
}

// RosterOption configures PostgresRoster behavior.
type RosterOption func(*PostgresRoster) error

// WithRosterSchema sets the DB schema used by this roster store (default: "mew").
func WithRosterSchema(schema string) RosterOption {
	return func(r *PostgresRoster) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("auditlog: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("auditlog: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// NewPostgresRoster constructs a Postgres-backed RosterStore.
func NewPostgresRoster(pool *pgxpool.Pool, opts ...RosterOption) (*PostgresRoster, error) {
	r := &PostgresRoster{pool: pool, schema: "mew"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("auditlog: nil pool")
	}
	return r, nil
}

func (r *PostgresRoster) Close() error { return nil }

func (r *PostgresRoster) RecordJoin(ctx context.Context, spaceID, logicalName string, at time.Time) error {
	if r == nil || r.pool == nil {
		return errors.New("auditlog: nil roster store")
	}
	spaceID = strings.TrimSpace(spaceID)
	logicalName = strings.TrimSpace(logicalName)
	if spaceID == "" || logicalName == "" {
		return errors.New("auditlog: missing space_id or logical_name")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	table := pgIdent(r.schema, "space_participants")
	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+table+` (space_id, logical_name, first_seen, last_seen)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (space_id, logical_name)
		 DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		spaceID, logicalName, at,
	)
	return err
}

func (r *PostgresRoster) ListParticipants(ctx context.Context, spaceID string) ([]ParticipantRecord, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("auditlog: nil roster store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table := pgIdent(r.schema, "space_participants")
	rows, err := r.pool.Query(ctx,
		`SELECT space_id, logical_name, first_seen, last_seen FROM `+table+` WHERE space_id = $1 ORDER BY logical_name ASC`,
		spaceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ParticipantRecord
	for rows.Next() {
		var rec ParticipantRecord
		if err := rows.Scan(&rec.SpaceID, &rec.LogicalName, &rec.FirstSeen, &rec.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
