package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// migrations defines the tables for the audit trail.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS audit_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id  TEXT NOT NULL DEFAULT '',
    event_type      TEXT NOT NULL,
    session_id      TEXT NOT NULL DEFAULT '',
    tool            TEXT NOT NULL DEFAULT '',
    tier            TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    resource        TEXT NOT NULL DEFAULT '',
    result          TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    timestamp       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_events(tool);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS confirmations (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    tool         TEXT NOT NULL,
    tier         TEXT NOT NULL,
    arguments    TEXT NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   DATETIME NOT NULL,
    resolved_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_confirmations_session ON confirmations(session_id, created_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Audit events ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendAuditEvent(ctx context.Context, rec *AuditRecord) error {
	if rec.Metadata == "" {
		rec.Metadata = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events(correlation_id, event_type, session_id, tool, tier, description, resource, result, metadata, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?,?)
    `,
		rec.CorrelationID, rec.EventType, rec.SessionID, rec.Tool, rec.Tier,
		rec.Description, rec.Resource, rec.Result, rec.Metadata, rec.Timestamp.UTC(),
	)
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error) {
	query := `SELECT id,correlation_id,event_type,session_id,tool,tier,description,resource,result,metadata,timestamp FROM audit_events WHERE 1=1`
	args := []any{}

	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, q.Tool)
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.EventType, &rec.SessionID, &rec.Tool,
			&rec.Tier, &rec.Description, &rec.Resource, &rec.Result, &rec.Metadata, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Confirmations ────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveConfirmation(ctx context.Context, rec *ConfirmationRecord) error {
	if rec.Arguments == "" {
		rec.Arguments = "{}"
	}
	if rec.Status == "" {
		rec.Status = ConfirmationPending
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO confirmations(id, session_id, tool, tier, arguments, status, created_at)
        VALUES(?,?,?,?,?,?,?)
    `, rec.ID, rec.SessionID, rec.Tool, rec.Tier, rec.Arguments, rec.Status, rec.CreatedAt.UTC())
	return err
}

func (s *sqliteStore) ResolveConfirmation(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE confirmations SET status = ?, resolved_at = ?
        WHERE id = ? AND status = ?
    `, status, at.UTC(), id, ConfirmationPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetConfirmation(ctx context.Context, id string) (*ConfirmationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, session_id, tool, tier, arguments, status, created_at, resolved_at
        FROM confirmations WHERE id = ?
    `, id)
	rec, err := scanConfirmation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListConfirmations(ctx context.Context, sessionID string, limit int) ([]*ConfirmationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, session_id, tool, tier, arguments, status, created_at, resolved_at
        FROM confirmations WHERE session_id = ?
        ORDER BY created_at DESC LIMIT ?
    `, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConfirmationRecord
	for rows.Next() {
		rec, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfirmation(row rowScanner) (*ConfirmationRecord, error) {
	rec := &ConfirmationRecord{}
	var created string
	var resolved sql.NullString
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Tool, &rec.Tier, &rec.Arguments,
		&rec.Status, &created, &resolved); err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(created)
	if resolved.Valid && resolved.String != "" {
		if t, err := parseTime(resolved.String); err == nil {
			rec.ResolvedAt = &t
		}
	}
	return rec, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
