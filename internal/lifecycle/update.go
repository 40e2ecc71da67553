package lifecycle

import (
	"context"
	"strings"

	"github.com/fentz26/ticketd/internal/models"
	"github.com/fentz26/ticketd/internal/store"
)

// Patch edits descriptive fields of a ticket. Nil fields are left alone.
// Status, lease and verification are deliberately absent: they only change
// through transitions, signoff and reject.
type Patch struct {
	Title            *string            `json:"title"`
	Type             *string            `json:"type"`
	Priority         *int               `json:"priority"`
	Owner            *string            `json:"owner"`
	Intent           *string            `json:"intent"`
	WIPClass         *models.WIPClass   `json:"wip_class"`
	DefinitionOfDone *[]models.DoneItem `json:"definition_of_done"`
	BlockedBy        *[]string          `json:"blocked_by"`
	Blocks           *[]string          `json:"blocks"`
	Plan             *[]string          `json:"plan"`
	Budget           *models.Budget     `json:"budget"`
}

// Update applies p to ticket id without changing its status or history.
func (e *Engine) Update(ctx context.Context, id string, p Patch) (t *models.Ticket, err error) {
	defer func() { e.record("ticket.update", p, id, err) }()

	current, err := e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	next := *current

	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return nil, invalid("title", "title cannot be empty")
		}
		next.Title = *p.Title
	}
	if p.Type != nil && *p.Type != "" {
		next.Type = *p.Type
	}
	if p.Priority != nil {
		if *p.Priority < 1 {
			return nil, invalid("priority", "priority must be a positive integer")
		}
		next.Priority = *p.Priority
	}
	if p.Owner != nil && *p.Owner != "" {
		next.Owner = *p.Owner
	}
	if p.Intent != nil {
		next.Intent = *p.Intent
	}
	if p.WIPClass != nil && *p.WIPClass != next.WIPClass {
		if !p.WIPClass.Valid() {
			return nil, invalid("wip_class", "unknown wip class %q", *p.WIPClass)
		}
		// Moving an executing ticket would bypass admission for the new class.
		if next.Status == models.StatusExecuting {
			return nil, &StateError{Op: "changing wip_class", Current: next.Status, Required: "non-executing"}
		}
		next.WIPClass = *p.WIPClass
	}
	if p.DefinitionOfDone != nil {
		next.DefinitionOfDone = orEmpty(*p.DefinitionOfDone)
	}
	if p.BlockedBy != nil {
		next.BlockedBy = orEmpty(*p.BlockedBy)
	}
	if p.Blocks != nil {
		next.Blocks = orEmpty(*p.Blocks)
	}
	if p.Plan != nil {
		next.Plan = orEmpty(*p.Plan)
	}
	if p.Budget != nil {
		next.Budget = mergeBudget(next.Budget, *p.Budget)
	}
	next.UpdatedAt = e.now()

	t, err = e.store.UpdateTicket(ctx, store.Update{Ticket: &next})
	return t, translate(err)
}
