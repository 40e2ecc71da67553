package lifecycle

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/fentz26/ticketd/internal/audit"
	"github.com/fentz26/ticketd/internal/models"
	"github.com/fentz26/ticketd/internal/store"
)

// TicketStore is the persistence the engine consumes. Implementations return
// store.ErrNotFound for unknown IDs and store.ErrConflict when an update's
// version no longer matches.
type TicketStore interface {
	CreateTicket(ctx context.Context, t *models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	ListTickets(ctx context.Context, filter models.TicketFilter) ([]models.Ticket, error)
	UpdateTicket(ctx context.Context, u store.Update) (*models.Ticket, error)
	AppendEvidence(ctx context.Context, id string, e models.EvidenceEntry) (*models.Ticket, error)
	DeleteTicket(ctx context.Context, id string) error
	CountByStatusAndClass(ctx context.Context, status models.Status, class models.WIPClass) (int, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	AllHistory(ctx context.Context) (map[string][]models.HistoryEntry, error)
	ListPDR(ctx context.Context, ticketID string) ([]models.PDREntry, error)
}

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	Caps                Caps
	Operator            string
	DefaultLeaseMinutes int
	// Now overrides the clock; tests use it to age leases.
	Now func() time.Time
}

// Engine validates and applies every ticket mutation. It is safe for
// concurrent use.
type Engine struct {
	store     TicketStore
	admission *Admission
	leases    *Leases
	gate      *Gate
	pdr       *audit.PDRWriter
	now       func() time.Time
}

var _ OperationHandler = (*Engine)(nil)

// NewEngine creates a lifecycle engine. pdr may be nil.
func NewEngine(st TicketStore, cfg Config, pdr *audit.PDRWriter) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     st,
		admission: NewAdmission(st, cfg.Caps),
		leases:    NewLeases(cfg.DefaultLeaseMinutes),
		gate:      NewGate(cfg.Operator),
		pdr:       pdr,
		now:       func() time.Time { return now().UTC() },
	}
}

// Admission exposes the admission controller.
func (e *Engine) Admission() *Admission { return e.admission }

// Leases exposes the lease manager.
func (e *Engine) Leases() *Leases { return e.leases }

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.now() }

// CreateRequest carries the fields of a new ticket.
type CreateRequest struct {
	Title            string            `json:"title"`
	Type             string            `json:"type"`
	Priority         *int              `json:"priority"`
	Intent           string            `json:"intent"`
	Requester        string            `json:"requester"`
	Owner            string            `json:"owner"`
	WIPClass         models.WIPClass   `json:"wip_class"`
	DefinitionOfDone []models.DoneItem `json:"definition_of_done"`
	BlockedBy        []string          `json:"blocked_by"`
	Blocks           []string          `json:"blocks"`
	Plan             []string          `json:"plan"`
	Budget           *models.Budget    `json:"budget"`
}

// Create validates req and stores a new queued ticket with one history entry.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (t *models.Ticket, err error) {
	defer func() { e.record("ticket.create", req, ticketID(t), err) }()

	if strings.TrimSpace(req.Title) == "" {
		return nil, invalid("title", "title is required")
	}
	class := req.WIPClass
	if class == "" {
		class = models.WIPGeneral
	}
	if !class.Valid() {
		return nil, invalid("wip_class", "unknown wip class %q", class)
	}
	priority := 3
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 1 {
		return nil, invalid("priority", "priority must be a positive integer")
	}
	budget := models.DefaultBudget()
	if req.Budget != nil {
		budget = mergeBudget(budget, *req.Budget)
	}

	now := e.now()
	by := firstNonEmpty(req.Requester, "system")
	t = &models.Ticket{
		ID:               NewID(now),
		Title:            req.Title,
		Type:             firstNonEmpty(req.Type, "task"),
		Priority:         priority,
		Intent:           req.Intent,
		Requester:        req.Requester,
		Owner:            firstNonEmpty(req.Owner, "unassigned"),
		Status:           models.StatusQueued,
		WIPClass:         class,
		DefinitionOfDone: orEmpty(req.DefinitionOfDone),
		BlockedBy:        orEmpty(req.BlockedBy),
		Blocks:           orEmpty(req.Blocks),
		Plan:             orEmpty(req.Plan),
		Evidence:         []models.EvidenceEntry{},
		History: []models.HistoryEntry{{
			Timestamp: now,
			To:        models.StatusQueued,
			By:        by,
			Reason:    "Ticket created",
		}},
		Verification: models.Verification{Status: models.VerificationUnverified},
		Budget:       budget,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a ticket by ID.
func (e *Engine) Get(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := e.store.GetTicket(ctx, id)
	return t, translate(err)
}

// List returns tickets matching filter, most urgent first.
func (e *Engine) List(ctx context.Context, filter models.TicketFilter) ([]models.Ticket, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "unknown status %q", filter.Status)
	}
	tickets, err := e.store.ListTickets(ctx, filter)
	if err != nil {
		return nil, err
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, nil
}

// Decisions returns the audit records for ticket id, oldest first. Records
// outlive the ticket, so an unknown or deleted id is not an error.
func (e *Engine) Decisions(ctx context.Context, id string) ([]models.PDREntry, error) {
	entries, err := e.store.ListPDR(ctx, id)
	if err != nil {
		return nil, err
	}
	return orEmpty(entries), nil
}

// Delete removes a ticket outright. It bypasses the state machine.
func (e *Engine) Delete(ctx context.Context, id string) (err error) {
	defer func() { e.record("ticket.delete", map[string]string{"id": id}, id, err) }()
	return translate(e.store.DeleteTicket(ctx, id))
}

// AppendEvidence appends an evidence entry. Status is untouched.
func (e *Engine) AppendEvidence(ctx context.Context, req EvidenceRequest) (t *models.Ticket, err error) {
	defer func() { e.record("ticket.evidence", req, req.ID, err) }()

	if strings.TrimSpace(req.Content) == "" {
		// An unknown ID still reports NotFound first.
		if _, err := e.store.GetTicket(ctx, req.ID); err != nil {
			return nil, translate(err)
		}
		return nil, invalid("content", "evidence content is required")
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		return nil, invalid("confidence", "confidence must be within [0,1]")
	}
	entry := models.EvidenceEntry{
		Timestamp:  e.now(),
		Kind:       firstNonEmpty(req.Kind, "note"),
		Content:    req.Content,
		Source:     firstNonEmpty(req.Source, "unknown"),
		Confidence: req.Confidence,
	}
	t, err = e.store.AppendEvidence(ctx, req.ID, entry)
	return t, translate(err)
}

// Transition moves a ticket one edge through the state machine. Checks run in
// a fixed order and nothing is written unless all of them pass.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (t *models.Ticket, err error) {
	defer func() { e.record("ticket.transition", req, req.ID, err) }()

	current, err := e.store.GetTicket(ctx, req.ID)
	if err != nil {
		return nil, translate(err)
	}
	if req.To == "" {
		return nil, invalid("to", "\"to\" status is required")
	}
	from := current.Status

	if err := ValidateTransition(from, req.To); err != nil {
		return nil, err
	}
	if req.To == models.StatusDropped {
		if err := e.gate.CheckDrop(req.Reason); err != nil {
			return nil, err
		}
	}

	next := *current
	now := e.now()
	var guard *store.CapacityGuard

	if req.To == models.StatusExecuting {
		if from == models.StatusReady {
			unlock := e.admission.Lock(current.WIPClass)
			defer unlock()
			if err := e.admission.Check(ctx, current.WIPClass); err != nil {
				return nil, err
			}
			guard = &store.CapacityGuard{Class: current.WIPClass, Cap: e.admission.Cap(current.WIPClass)}
		}
		if err := e.leases.Acquire(&next, req.LeaseHolder, now); err != nil {
			return nil, err
		}
	}
	if from == models.StatusReview && req.To == models.StatusDone {
		if err := e.gate.CheckClose(current); err != nil {
			return nil, err
		}
	}
	if from == models.StatusExecuting {
		e.leases.Release(&next)
	}

	next.Status = req.To
	next.UpdatedAt = now
	return e.commit(ctx, &next, guard, models.HistoryEntry{
		Timestamp: now,
		From:      &from,
		To:        req.To,
		By:        firstNonEmpty(req.By, "system"),
		Reason:    req.Reason,
	})
}

// Signoff records the operator's approval and closes a ticket in review in a
// single write. It is the only way to produce a human_signoff verification.
func (e *Engine) Signoff(ctx context.Context, req SignoffRequest) (t *models.Ticket, err error) {
	defer func() { e.record("ticket.signoff", req, req.ID, err) }()

	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		return nil, invalid("confidence", "confidence must be within [0,1]")
	}
	current, err := e.store.GetTicket(ctx, req.ID)
	if err != nil {
		return nil, translate(err)
	}
	if current.Status != models.StatusReview {
		return nil, &StateError{Op: "signoff", Current: current.Status, Required: models.StatusReview}
	}

	next := *current
	now := e.now()
	e.gate.signoff(&next, req.Notes, req.Confidence)
	e.leases.Release(&next)
	next.Status = models.StatusDone
	next.UpdatedAt = now

	from := models.StatusReview
	return e.commit(ctx, &next, nil, models.HistoryEntry{
		Timestamp: now,
		From:      &from,
		To:        models.StatusDone,
		By:        e.gate.Operator(),
		Reason:    next.Verification.Notes,
	})
}

// Reject sends a ticket in review back to executing with a failed
// verification and a fresh lease. Rework is not subject to admission control.
func (e *Engine) Reject(ctx context.Context, req RejectRequest) (t *models.Ticket, err error) {
	defer func() { e.record("ticket.reject", req, req.ID, err) }()

	current, err := e.store.GetTicket(ctx, req.ID)
	if err != nil {
		return nil, translate(err)
	}
	if current.Status != models.StatusReview {
		return nil, &StateError{Op: "reject", Current: current.Status, Required: models.StatusReview}
	}

	next := *current
	now := e.now()
	e.gate.reject(&next, firstNonEmpty(req.Reason, "Rejected, needs rework"))
	e.leases.Regrant(&next, req.LeaseHolder, now)
	next.Status = models.StatusExecuting
	next.UpdatedAt = now

	from := models.StatusReview
	return e.commit(ctx, &next, nil, models.HistoryEntry{
		Timestamp: now,
		From:      &from,
		To:        models.StatusExecuting,
		By:        e.gate.Operator(),
		Reason:    firstNonEmpty(req.Reason, "Needs rework"),
	})
}

// Apply executes any operation through its typed handler method.
func (e *Engine) Apply(ctx context.Context, op Operation) (*models.Ticket, error) {
	return op.Apply(ctx, e)
}

// Stats summarises counts, WIP utilization, and average dwell time per state.
func (e *Engine) Stats(ctx context.Context) (*models.Stats, error) {
	byStatus, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &models.Stats{
		ByStatus:               byStatus,
		WIPUtilization:         make(map[models.WIPClass]models.ClassUsage, len(models.WIPClasses)),
		AvgTimePerStateSeconds: make(map[models.Status]int64),
	}
	for _, n := range byStatus {
		stats.Total += n
	}
	for _, class := range models.WIPClasses {
		n, err := e.store.CountByStatusAndClass(ctx, models.StatusExecuting, class)
		if err != nil {
			return nil, err
		}
		stats.WIPUtilization[class] = models.ClassUsage{Current: n, Max: e.admission.Cap(class)}
	}

	histories, err := e.store.AllHistory(ctx)
	if err != nil {
		return nil, err
	}
	total := make(map[models.Status]time.Duration)
	count := make(map[models.Status]int)
	for _, history := range histories {
		for i := 0; i+1 < len(history); i++ {
			d := history[i+1].Timestamp.Sub(history[i].Timestamp)
			if d < 0 {
				continue
			}
			total[history[i].To] += d
			count[history[i].To]++
		}
	}
	for state, d := range total {
		stats.AvgTimePerStateSeconds[state] = int64(math.Round(d.Seconds() / float64(count[state])))
	}
	return stats, nil
}

// commit persists next with its history entry, translating store errors.
func (e *Engine) commit(ctx context.Context, next *models.Ticket, guard *store.CapacityGuard, h models.HistoryEntry) (*models.Ticket, error) {
	stored, err := e.store.UpdateTicket(ctx, store.Update{Ticket: next, AppendHistory: &h, Guard: guard})
	if err != nil {
		return nil, translate(err)
	}
	return stored, nil
}

func (e *Engine) record(action string, inputs interface{}, id string, err error) {
	e.pdr.RecordResult(action, inputs, id, err)
}

// translate maps store errors onto lifecycle sentinels.
func translate(err error) error {
	var guardErr *store.GuardError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	case errors.As(err, &guardErr):
		return &CapacityError{Class: guardErr.Class, Count: guardErr.Count, Cap: guardErr.Cap}
	}
	return err
}

func ticketID(t *models.Ticket) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func mergeBudget(base, over models.Budget) models.Budget {
	if over.MaxToolCalls > 0 {
		base.MaxToolCalls = over.MaxToolCalls
	}
	if over.MaxTokens > 0 {
		base.MaxTokens = over.MaxTokens
	}
	if over.MaxMinutes > 0 {
		base.MaxMinutes = over.MaxMinutes
	}
	if over.MaxChildren > 0 {
		base.MaxChildren = over.MaxChildren
	}
	return base
}
