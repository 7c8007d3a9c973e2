package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/glebarez/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    type       TEXT NOT NULL,
    at         TIMESTAMP NOT NULL,
    wallet     TEXT NOT NULL DEFAULT '',
    ip         TEXT NOT NULL DEFAULT '',
    quote_id   TEXT NOT NULL DEFAULT '',
    signature  TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type);
`

// SQLiteSink persists audit batches in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_events (type, at, wallet, ip, quote_id, signature, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()
	for _, event := range events {
		if _, err := stmt.ExecContext(ctx,
			event.Type, event.At.UTC(), event.Wallet, event.IP,
			event.QuoteID, event.Signature, event.detailJSON(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert audit event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// CountByType reports stored event counts, used by tests and the admin
// surface.
func (s *SQLiteSink) CountByType(ctx context.Context, eventType string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE type = ?`, eventType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
