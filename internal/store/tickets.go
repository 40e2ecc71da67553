package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/ticketd/internal/models"
)

var (
	// ErrNotFound indicates no ticket exists with the requested ID.
	ErrNotFound = errors.New("ticket not found")
	// ErrConflict indicates the ticket changed since it was read.
	ErrConflict = errors.New("ticket was modified concurrently")
	// ErrCapacity indicates a capacity guard failed inside the write transaction.
	ErrCapacity = errors.New("wip capacity exhausted")
)

// CapacityGuard asks UpdateTicket to re-count executing tickets of Class
// inside the write transaction and refuse the write when the count is at Cap.
type CapacityGuard struct {
	Class models.WIPClass
	Cap   int
}

// GuardError reports a failed CapacityGuard. It unwraps to ErrCapacity.
type GuardError struct {
	Class models.WIPClass
	Count int
	Cap   int
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s at %d/%d", ErrCapacity, e.Class, e.Count, e.Cap)
}

func (e *GuardError) Unwrap() error { return ErrCapacity }

// Update is a compare-on-write of a whole ticket row.
type Update struct {
	// Ticket holds the new field values. Its Version is the version the
	// caller read; the write fails with ErrConflict if the row moved on.
	Ticket *models.Ticket
	// AppendHistory is inserted into the history log in the same transaction.
	AppendHistory *models.HistoryEntry
	Guard         *CapacityGuard
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const ticketColumns = `id, title, type, priority, intent, requester, owner, status, wip_class,
	lease_holder, lease_expires_at, definition_of_done, blocked_by, blocks, plan,
	verification_status, verification_confidence, verification_method, verification_verifier, verification_notes,
	budget_max_tool_calls, budget_max_tokens, budget_max_minutes, budget_max_children,
	version, created_at, updated_at`

// --- Ticket Operations ---

// CreateTicket inserts a new ticket together with its initial history.
// The stored version starts at 1.
func (s *Store) CreateTicket(ctx context.Context, t *models.Ticket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t.Version = 1
	args, err := ticketArgs(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}

	for _, h := range t.History {
		if err := insertHistory(ctx, tx, t.ID, h); err != nil {
			return err
		}
	}
	for _, e := range t.Evidence {
		if err := insertEvidence(ctx, tx, t.ID, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTicket retrieves a ticket by ID with its history and evidence merged in.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	return loadTicket(ctx, s.db, id)
}

// ListTickets returns tickets ordered by priority, then newest first.
func (s *Store) ListTickets(ctx context.Context, filter models.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, filter.Owner)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY priority ASC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Children are loaded after the cursor is closed: the pool has one connection.
	for i := range tickets {
		if err := loadChildren(ctx, s.db, &tickets[i]); err != nil {
			return nil, err
		}
	}
	return tickets, nil
}

// UpdateTicket writes u.Ticket if its stored version still equals
// u.Ticket.Version, bumping the version and appending u.AppendHistory
// atomically. It returns the stored ticket after the write.
func (s *Store) UpdateTicket(ctx context.Context, u Update) (*models.Ticket, error) {
	t := u.Ticket
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if u.Guard != nil {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tickets WHERE status = ? AND wip_class = ? AND id != ?`,
			models.StatusExecuting, u.Guard.Class, t.ID,
		).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("count executing: %w", err)
		}
		if count >= u.Guard.Cap {
			return nil, &GuardError{Class: u.Guard.Class, Count: count, Cap: u.Guard.Cap}
		}
	}

	dod, blockedBy, blocks, plan, err := encodeLists(t)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE tickets SET
			title = ?, type = ?, priority = ?, intent = ?, owner = ?, status = ?, wip_class = ?,
			lease_holder = ?, lease_expires_at = ?,
			definition_of_done = ?, blocked_by = ?, blocks = ?, plan = ?,
			verification_status = ?, verification_confidence = ?, verification_method = ?,
			verification_verifier = ?, verification_notes = ?,
			budget_max_tool_calls = ?, budget_max_tokens = ?, budget_max_minutes = ?, budget_max_children = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		t.Title, t.Type, t.Priority, t.Intent, t.Owner, t.Status, t.WIPClass,
		nullString(t.LeaseHolder), nullTime(t.LeaseExpiresAt),
		dod, blockedBy, blocks, plan,
		t.Verification.Status, t.Verification.Confidence, nullString(t.Verification.Method),
		nullString(t.Verification.Verifier), t.Verification.Notes,
		t.Budget.MaxToolCalls, t.Budget.MaxTokens, t.Budget.MaxMinutes, t.Budget.MaxChildren,
		t.UpdatedAt, t.ID, t.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE id = ?`, t.ID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check ticket exists: %w", err)
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}

	if u.AppendHistory != nil {
		if err := insertHistory(ctx, tx, t.ID, *u.AppendHistory); err != nil {
			return nil, err
		}
	}

	stored, err := loadTicket(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return stored, nil
}

// AppendEvidence appends an evidence entry without touching the ticket row
// beyond updated_at. The version is not bumped: evidence never races a transition.
func (s *Store) AppendEvidence(ctx context.Context, id string, e models.EvidenceEntry) (*models.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE tickets SET updated_at = ? WHERE id = ?`, e.Timestamp, id)
	if err != nil {
		return nil, fmt.Errorf("touch ticket: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := insertEvidence(ctx, tx, id, e); err != nil {
		return nil, err
	}

	stored, err := loadTicket(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return stored, nil
}

// DeleteTicket removes a ticket and its logs.
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_history WHERE ticket_id = ?`, id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_evidence WHERE ticket_id = ?`, id); err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// CountByStatusAndClass counts tickets currently in status with the given WIP class.
func (s *Store) CountByStatusAndClass(ctx context.Context, status models.Status, class models.WIPClass) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tickets WHERE status = ? AND wip_class = ?`,
		status, class,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tickets: %w", err)
	}
	return count, nil
}

// CountByStatus returns the number of tickets in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AllHistory returns every history log keyed by ticket ID, each in append order.
func (s *Store) AllHistory(ctx context.Context) (map[string][]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_id, timestamp, from_status, to_status, by_actor, reason FROM ticket_history ORDER BY ticket_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.HistoryEntry)
	for rows.Next() {
		var ticketID string
		h, err := scanHistory(rows, &ticketID)
		if err != nil {
			return nil, err
		}
		out[ticketID] = append(out[ticketID], h)
	}
	return out, rows.Err()
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func loadTicket(ctx context.Context, q querier, id string) (*models.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

func scanTicket(row scanner) (*models.Ticket, error) {
	var t models.Ticket
	var leaseHolder, method, verifier sql.NullString
	var leaseExpires sql.NullTime
	var dod, blockedBy, blocks, plan string

	err := row.Scan(
		&t.ID, &t.Title, &t.Type, &t.Priority, &t.Intent, &t.Requester, &t.Owner, &t.Status, &t.WIPClass,
		&leaseHolder, &leaseExpires, &dod, &blockedBy, &blocks, &plan,
		&t.Verification.Status, &t.Verification.Confidence, &method, &verifier, &t.Verification.Notes,
		&t.Budget.MaxToolCalls, &t.Budget.MaxTokens, &t.Budget.MaxMinutes, &t.Budget.MaxChildren,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}

	if leaseHolder.Valid {
		t.LeaseHolder = &leaseHolder.String
	}
	if leaseExpires.Valid {
		expires := leaseExpires.Time.UTC()
		t.LeaseExpiresAt = &expires
	}
	if method.Valid {
		t.Verification.Method = &method.String
	}
	if verifier.Valid {
		t.Verification.Verifier = &verifier.String
	}

	// Malformed list columns degrade to empty lists rather than failing the read.
	t.DefinitionOfDone = []models.DoneItem{}
	t.BlockedBy = []string{}
	t.Blocks = []string{}
	t.Plan = []string{}
	_ = json.Unmarshal([]byte(dod), &t.DefinitionOfDone)
	_ = json.Unmarshal([]byte(blockedBy), &t.BlockedBy)
	_ = json.Unmarshal([]byte(blocks), &t.Blocks)
	_ = json.Unmarshal([]byte(plan), &t.Plan)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func loadChildren(ctx context.Context, q querier, t *models.Ticket) error {
	rows, err := q.QueryContext(ctx,
		`SELECT ticket_id, timestamp, from_status, to_status, by_actor, reason FROM ticket_history WHERE ticket_id = ? ORDER BY seq`,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	t.History = []models.HistoryEntry{}
	for rows.Next() {
		var ticketID string
		h, err := scanHistory(rows, &ticketID)
		if err != nil {
			rows.Close()
			return err
		}
		t.History = append(t.History, h)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx,
		`SELECT timestamp, kind, content, source, confidence FROM ticket_evidence WHERE ticket_id = ? ORDER BY seq`,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	t.Evidence = []models.EvidenceEntry{}
	for rows.Next() {
		var e models.EvidenceEntry
		var confidence sql.NullFloat64
		if err := rows.Scan(&e.Timestamp, &e.Kind, &e.Content, &e.Source, &confidence); err != nil {
			return fmt.Errorf("scan evidence: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if confidence.Valid {
			c := confidence.Float64
			e.Confidence = &c
		}
		t.Evidence = append(t.Evidence, e)
	}
	return rows.Err()
}

func scanHistory(rows *sql.Rows, ticketID *string) (models.HistoryEntry, error) {
	var h models.HistoryEntry
	var from sql.NullString
	if err := rows.Scan(ticketID, &h.Timestamp, &from, &h.To, &h.By, &h.Reason); err != nil {
		return h, fmt.Errorf("scan history: %w", err)
	}
	h.Timestamp = h.Timestamp.UTC()
	if from.Valid {
		status := models.Status(from.String)
		h.From = &status
	}
	return h, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, ticketID string, h models.HistoryEntry) error {
	var from any
	if h.From != nil {
		from = string(*h.From)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ticket_history (ticket_id, timestamp, from_status, to_status, by_actor, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		ticketID, h.Timestamp, from, h.To, h.By, h.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func insertEvidence(ctx context.Context, tx *sql.Tx, ticketID string, e models.EvidenceEntry) error {
	var confidence any
	if e.Confidence != nil {
		confidence = *e.Confidence
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ticket_evidence (ticket_id, timestamp, kind, content, source, confidence) VALUES (?, ?, ?, ?, ?, ?)`,
		ticketID, e.Timestamp, e.Kind, e.Content, e.Source, confidence,
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func ticketArgs(t *models.Ticket) ([]any, error) {
	dod, blockedBy, blocks, plan, err := encodeLists(t)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.Title, t.Type, t.Priority, t.Intent, t.Requester, t.Owner, t.Status, t.WIPClass,
		nullString(t.LeaseHolder), nullTime(t.LeaseExpiresAt), dod, blockedBy, blocks, plan,
		t.Verification.Status, t.Verification.Confidence, nullString(t.Verification.Method),
		nullString(t.Verification.Verifier), t.Verification.Notes,
		t.Budget.MaxToolCalls, t.Budget.MaxTokens, t.Budget.MaxMinutes, t.Budget.MaxChildren,
		t.Version, t.CreatedAt, t.UpdatedAt,
	}, nil
}

func encodeLists(t *models.Ticket) (dod, blockedBy, blocks, plan string, err error) {
	enc := func(v any) string {
		if err != nil {
			return ""
		}
		var data []byte
		data, err = json.Marshal(v)
		return string(data)
	}
	dod = enc(nonNil(t.DefinitionOfDone))
	blockedBy = enc(nonNil(t.BlockedBy))
	blocks = enc(nonNil(t.Blocks))
	plan = enc(nonNil(t.Plan))
	if err != nil {
		err = fmt.Errorf("encode ticket lists: %w", err)
	}
	return
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
