// Package lifecycle governs ticket state: which transitions are legal, whether
// a WIP class has room, who holds the execution lease, and whether a ticket
// has been signed off by a human before it closes.
package lifecycle

import "github.com/fentz26/ticketd/internal/models"

// transitions is the fixed table of legal one-step edges. Terminal states map
// to an empty list.
var transitions = map[models.Status][]models.Status{
	models.StatusQueued:    {models.StatusTriage, models.StatusDropped},
	models.StatusTriage:    {models.StatusReady, models.StatusBlocked, models.StatusDropped},
	models.StatusReady:     {models.StatusExecuting, models.StatusBlocked, models.StatusDropped},
	models.StatusExecuting: {models.StatusReview, models.StatusBlocked},
	models.StatusBlocked:   {models.StatusReady},
	models.StatusReview:    {models.StatusDone, models.StatusExecuting},
	models.StatusDone:      {},
	models.StatusDropped:   {},
}

// Allowed returns the states reachable from from in one step. The result is
// a copy.
func Allowed(from models.Status) []models.Status {
	return append([]models.Status(nil), transitions[from]...)
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.Status) bool {
	return len(transitions[s]) == 0
}

// ValidateTransition returns a *TransitionError when from → to is not in the table.
func ValidateTransition(from, to models.Status) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Allowed: Allowed(from)}
}
