package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Mirror upserts journal events, handed to it by a caller that tails the
// binary journal, into a Postgres table for operator queries. It is
// never the system of record: the binary journal alone decides whether
// an event happened. A Postgres outage only delays mirroring; Index
// falls back to the local spool for whatever couldn't reach the
// database and fails only when the spool write fails too.
type Mirror struct {
	db    *sql.DB
	spool *Spool
	log   *slog.Logger
}

// NewMirror builds a Mirror over an already-migrated Postgres database.
func NewMirror(db *sql.DB, spool *Spool, log *slog.Logger) *Mirror {
	return &Mirror{db: db, spool: spool, log: log}
}

// Index upserts ev into the detection_audit mirror table, keyed by
// (detection_id, seq) so a replay after a spool failover never
// duplicates a row.
func (m *Mirror) Index(ctx context.Context, ev Event) error {
	attrs := ev.Attributes
	if attrs == nil {
		attrs = json.RawMessage("{}")
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO detection_audit (detection_id, seq, kind, occurred_at, principal, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (detection_id, seq) DO NOTHING
	`, ev.DetectionID, ev.Seq, ev.Kind.String(), ev.Timestamp, ev.Principal, []byte(attrs))

	if err != nil {
		m.log.Warn("audit: mirror insert failed, spooling", "seq", ev.Seq, "error", err)
		if spoolErr := m.spool.Write(ev); spoolErr != nil {
			return fmt.Errorf("audit: mirror failed and spool failed: %w", spoolErr)
		}
		return nil
	}
	return nil
}

// QueryResult is one row returned by Query.
type QueryResult struct {
	DetectionID string
	Seq         uint64
	Kind        string
	OccurredAt  string
	Principal   string
	Attributes  json.RawMessage
}

// QueryFilter narrows the operator-facing audit/events endpoint. Zero
// values mean "unfiltered" for that field. Cursor is the last seq of
// the previous page (exclusive); results page backwards, most recent
// first (the journal's own Tail returns oldest first).
type QueryFilter struct {
	DetectionID string
	Kind        string
	Since       time.Time
	Until       time.Time
	Cursor      uint64
	Limit       int
}

// Query supports the operator-facing audit/events endpoint: a
// most-recent-first page of events filtered by detection id, kind, and
// time range, bounded by limit and resumable via cursor.
func (m *Mirror) Query(ctx context.Context, f QueryFilter) ([]QueryResult, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.DetectionID != "" {
		where = append(where, "detection_id = "+arg(f.DetectionID))
	}
	if f.Kind != "" {
		where = append(where, "kind = "+arg(f.Kind))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at <= "+arg(f.Until))
	}
	if f.Cursor > 0 {
		where = append(where, "seq < "+arg(f.Cursor))
	}

	query := "SELECT detection_id, seq, kind, occurred_at, principal, attributes FROM detection_audit WHERE "
	for i, clause := range where {
		if i > 0 {
			query += " AND "
		}
		query += clause
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT %s", arg(limit))

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query mirror: %w", err)
	}
	defer rows.Close()

	var out []QueryResult
	for rows.Next() {
		var r QueryResult
		if err := rows.Scan(&r.DetectionID, &r.Seq, &r.Kind, &r.OccurredAt, &r.Principal, &r.Attributes); err != nil {
			return nil, fmt.Errorf("audit: scan mirror row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
