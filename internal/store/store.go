// Package store provides SQLite-backed persistence for ticketd.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the ticketd SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// serializes every compare-on-write transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'task',
		priority INTEGER NOT NULL DEFAULT 3,
		intent TEXT NOT NULL DEFAULT '',
		requester TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT 'unassigned',
		status TEXT NOT NULL DEFAULT 'queued'
			CHECK (status IN ('queued','triage','ready','executing','blocked','review','done','dropped')),
		wip_class TEXT NOT NULL DEFAULT 'general'
			CHECK (wip_class IN ('web_calls','db_reads','code_exec','human_review','general')),
		lease_holder TEXT,
		lease_expires_at DATETIME,
		definition_of_done TEXT NOT NULL DEFAULT '[]',
		blocked_by TEXT NOT NULL DEFAULT '[]',
		blocks TEXT NOT NULL DEFAULT '[]',
		plan TEXT NOT NULL DEFAULT '[]',
		verification_status TEXT NOT NULL DEFAULT 'unverified',
		verification_confidence REAL NOT NULL DEFAULT 0,
		verification_method TEXT,
		verification_verifier TEXT,
		verification_notes TEXT NOT NULL DEFAULT '',
		budget_max_tool_calls INTEGER NOT NULL DEFAULT 12,
		budget_max_tokens INTEGER NOT NULL DEFAULT 50000,
		budget_max_minutes INTEGER NOT NULL DEFAULT 45,
		budget_max_children INTEGER NOT NULL DEFAULT 6,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ticket_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		by_actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS ticket_evidence (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		confidence REAL,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		ticket_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_status_class ON tickets(status, wip_class);
	CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets(owner);
	CREATE INDEX IF NOT EXISTS idx_ticket_history_ticket_id ON ticket_history(ticket_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ticket_evidence_ticket_id ON ticket_evidence(ticket_id, seq);
	CREATE INDEX IF NOT EXISTS idx_pdr_ticket_id ON pdr(ticket_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
