// Package sqlite ships audit records to a SQLite database, giving the
// external compliance tooling a queryable archive without a server-side
// database dependency.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// schema creates the audit table and its compliance-relevant indices
// (by subject, by timestamp, by outcome).
const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq           INTEGER PRIMARY KEY,
	ts            TEXT    NOT NULL,
	subject       TEXT    NOT NULL,
	action        TEXT    NOT NULL,
	resource_type TEXT    NOT NULL,
	resource_id   TEXT    NOT NULL,
	outcome       TEXT    NOT NULL,
	reason        TEXT    NOT NULL,
	matched_rule  TEXT,
	generation    INTEGER NOT NULL,
	request_id    TEXT,
	source_ip     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_records(subject);
CREATE INDEX IF NOT EXISTS idx_audit_ts      ON audit_records(ts);
CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_records(outcome);
`

const insertStmt = `
INSERT OR IGNORE INTO audit_records
	(seq, ts, subject, action, resource_type, resource_id, outcome, reason, matched_rule, generation, request_id, source_ip)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Sink implements audit.Sink backed by a SQLite database file.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSink opens (or creates) the database at path and prepares the schema.
func NewSink(path string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	// A single writer keeps SQLite happy under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Sink{db: db, logger: logger}, nil
}

// Write inserts a batch of records in a single transaction.
// Re-shipped sequence numbers are ignored, making shipping idempotent.
func (s *Sink) Write(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertStmt)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		var rule sql.NullString
		if rec.MatchedRule != nil {
			rule = sql.NullString{String: rec.MatchedRule.Name(), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			rec.Seq,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.Subject,
			rec.Action,
			rec.ResourceType,
			rec.ResourceID,
			string(rec.Outcome),
			rec.Reason,
			rule,
			rec.Generation,
			rec.RequestID,
			rec.SourceIP,
		)
		if err != nil {
			return fmt.Errorf("insert audit record seq %d: %w", rec.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// Flush is a no-op: every batch commits its own transaction.
func (s *Sink) Flush(_ context.Context) error { return nil }

// Close closes the database.
func (s *Sink) Close() error { return s.db.Close() }

// Query reads shipped records matching the filter, in sequence order.
func (s *Sink) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.Subject != "" {
		conds = append(conds, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT seq, ts, subject, action, resource_type, resource_id, outcome, reason, generation, request_id, source_ip FROM audit_records"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []audit.Record
	for rows.Next() {
		var (
			rec     audit.Record
			ts      string
			outcome string
		)
		if err := rows.Scan(&rec.Seq, &ts, &rec.Subject, &rec.Action, &rec.ResourceType, &rec.ResourceID,
			&outcome, &rec.Reason, &rec.Generation, &rec.RequestID, &rec.SourceIP); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		rec.Timestamp = parsed
		rec.Outcome = rbac.Outcome(outcome)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}

	return records, nil
}

// Compile-time interface verification.
var _ audit.Sink = (*Sink)(nil)
