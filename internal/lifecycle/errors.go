package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/ticketd/internal/models"
)

// Sentinel errors for lifecycle operations. Detail types below unwrap to them,
// so callers match with errors.Is.
var (
	ErrNotFound             = errors.New("ticket not found")
	ErrValidation           = errors.New("validation failed")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInvalidState         = errors.New("invalid state for operation")
	ErrCapacityExceeded     = errors.New("wip capacity exceeded")
	ErrLeaseRequired        = errors.New("executing requires a lease_holder")
	ErrReasonRequired       = errors.New("dropping a ticket requires a reason")
	ErrVerificationRequired = errors.New("review → done requires verification_method to include \"human_signoff\"; agents cannot self-close tickets")
	ErrConflict             = errors.New("ticket was modified concurrently; reload and retry")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError reports an edge missing from the transition table.
type TransitionError struct {
	From    models.Status
	To      models.Status
	Allowed []models.Status
}

func (e *TransitionError) Error() string {
	allowed := "none (terminal)"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			names[i] = string(s)
		}
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("invalid transition: %s → %s. Allowed: %s", e.From, e.To, allowed)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StateError reports an operation attempted from the wrong status.
type StateError struct {
	Op       string
	Current  models.Status
	Required models.Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s only applies to tickets in %s status (ticket is %s)", e.Op, e.Required, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// CapacityError reports a full WIP class. Callers may retry later or pick
// another class.
type CapacityError struct {
	Class models.WIPClass
	Count int
	Cap   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("WIP cap reached for %q (%d/%d). Cannot start execution.", e.Class, e.Count, e.Cap)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// IsRefusal reports whether err is a policy refusal (a typed lifecycle
// error) rather than an infrastructure fault.
func IsRefusal(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrValidation, ErrInvalidTransition, ErrInvalidState,
		ErrCapacityExceeded, ErrLeaseRequired, ErrReasonRequired,
		ErrVerificationRequired, ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
