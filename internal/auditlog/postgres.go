package auditlog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog is a Log backed by PostgreSQL.
//
// Ownership model:
// - PostgresLog does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-space transactional advisory locks to guarantee no seq gaps
//   from duplicate envelope ids and strict monotonic ordering under
//   concurrent grant/revoke traffic on the same space.
type PostgresLog struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresLog behavior.
type PostgresOption func(*PostgresLog) error

// WithSchema sets the DB schema used by this log (default: "mew").
func WithSchema(schema string) PostgresOption {
	return func(l *PostgresLog) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("auditlog: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("auditlog: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// NewPostgresLog constructs a Postgres-backed Log.
func NewPostgresLog(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresLog, error) {
	l := &PostgresLog{pool: pool, schema: "mew"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.pool == nil {
		return nil, errors.New("auditlog: nil pool")
	}
	return l, nil
}

func (l *PostgresLog) Close() error { return nil }

func (l *PostgresLog) Record(ctx context.Context, in RecordInput) (RecordResult, error) {
	if l == nil || l.pool == nil {
		return RecordResult{}, errors.New("auditlog: nil log")
	}
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

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return RecordResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	spaces := pgIdent(l.schema, "spaces")
	cursors := pgIdent(l.schema, "grant_cursors")
	events := pgIdent(l.schema, "grant_events")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.SpaceID); err != nil {
		return RecordResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+spaces+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		in.SpaceID,
	); err != nil {
		return RecordResult{}, err
	}

	existing, err := readEventByEnvelopeID(ctx, tx, events, in.SpaceID, in.EnvelopeID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return RecordResult{}, err
		}
		return RecordResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return RecordResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (space_id, next_seq) VALUES ($1, 1) ON CONFLICT (space_id) DO NOTHING`,
		in.SpaceID,
	); err != nil {
		return RecordResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1, updated_at = now()
		  WHERE space_id = $1
		RETURNING (next_seq - 1)`,
		in.SpaceID,
	).Scan(&seq); err != nil {
		return RecordResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+events+` (
		     space_id, seq, envelope_id, action, grantor_id, recipient_id, pattern, recorded_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.SpaceID, seq, in.EnvelopeID, in.Action, in.GrantorID, in.RecipientID, []byte(in.Pattern), now,
	); err != nil {
		return RecordResult{}, fmt.Errorf("insert grant event: %w", err)
	}

	out := Event{
		SpaceID:     in.SpaceID,
		EnvelopeID:  in.EnvelopeID,
		Seq:         seq,
		Action:      in.Action,
		GrantorID:   in.GrantorID,
		RecipientID: in.RecipientID,
		Pattern:     in.Pattern,
		RecordedAt:  now,
	}

	if err := tx.Commit(ctx); err != nil {
		return RecordResult{}, err
	}
	return RecordResult{Stored: out, Duplicated: false}, nil
}

func (l *PostgresLog) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if l == nil || l.pool == nil {
		return FetchHistoryResult{}, errors.New("auditlog: nil log")
	}
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

	events := pgIdent(l.schema, "grant_events")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterSeq == nil {
		rows, err = l.pool.Query(ctx,
			`SELECT space_id, envelope_id, seq, action, grantor_id, recipient_id, pattern, recorded_at
			   FROM `+events+`
			  WHERE space_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.SpaceID, fetch,
		)
	} else {
		rows, err = l.pool.Query(ctx,
			`SELECT space_id, envelope_id, seq, action, grantor_id, recipient_id, pattern, recorded_at
			   FROM `+events+`
			  WHERE space_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.SpaceID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	out := make([]Event, 0, fetch)
	for rows.Next() {
		var ev Event
		var pattern []byte
		if err := rows.Scan(&ev.SpaceID, &ev.EnvelopeID, &ev.Seq, &ev.Action, &ev.GrantorID, &ev.RecipientID, &pattern, &ev.RecordedAt); err != nil {
			return FetchHistoryResult{}, err
		}
		ev.Pattern = pattern
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchHistoryResult{Events: out, HasMore: hasMore}, nil
}

func readEventByEnvelopeID(ctx context.Context, tx pgx.Tx, eventsTable, spaceID, envelopeID string) (Event, error) {
	var ev Event
	var pattern []byte
	err := tx.QueryRow(ctx,
		`SELECT space_id, envelope_id, seq, action, grantor_id, recipient_id, pattern, recorded_at
		   FROM `+eventsTable+`
		  WHERE space_id = $1 AND envelope_id = $2`,
		spaceID, envelopeID,
	).Scan(&ev.SpaceID, &ev.EnvelopeID, &ev.Seq, &ev.Action, &ev.GrantorID, &ev.RecipientID, &pattern, &ev.RecordedAt)
	ev.Pattern = pattern
	return ev, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
