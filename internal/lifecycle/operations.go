package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fentz26/ticketd/internal/models"
)

// OperationHandler executes each ticket operation. *Engine implements it.
type OperationHandler interface {
	AppendEvidence(ctx context.Context, req EvidenceRequest) (*models.Ticket, error)
	Transition(ctx context.Context, req TransitionRequest) (*models.Ticket, error)
	Signoff(ctx context.Context, req SignoffRequest) (*models.Ticket, error)
	Reject(ctx context.Context, req RejectRequest) (*models.Ticket, error)
}

// Operation is the closed set of actions that can be applied to an existing
// ticket: EvidenceRequest, TransitionRequest, SignoffRequest, RejectRequest.
type Operation interface {
	// Name identifies the operation on the wire and in audit records.
	Name() string
	// Apply dispatches the operation to the matching handler method.
	Apply(ctx context.Context, h OperationHandler) (*models.Ticket, error)
	operation()
}

// EvidenceRequest appends an observation to a ticket.
type EvidenceRequest struct {
	ID         string   `json:"-"`
	Kind       string   `json:"kind"`
	Content    string   `json:"content"`
	Source     string   `json:"source"`
	Confidence *float64 `json:"confidence"`
}

// TransitionRequest moves a ticket along one edge of the transition table.
type TransitionRequest struct {
	ID          string        `json:"-"`
	To          models.Status `json:"to"`
	By          string        `json:"by"`
	Reason      string        `json:"reason"`
	LeaseHolder string        `json:"lease_holder"`
}

// SignoffRequest is the operator's approval of a ticket in review.
type SignoffRequest struct {
	ID         string   `json:"-"`
	Notes      string   `json:"notes"`
	Confidence *float64 `json:"confidence"`
}

// RejectRequest sends a ticket in review back to executing.
type RejectRequest struct {
	ID          string `json:"-"`
	Reason      string `json:"reason"`
	LeaseHolder string `json:"lease_holder"`
}

func (EvidenceRequest) Name() string   { return "evidence" }
func (TransitionRequest) Name() string { return "transition" }
func (SignoffRequest) Name() string    { return "signoff" }
func (RejectRequest) Name() string     { return "reject" }

func (r EvidenceRequest) Apply(ctx context.Context, h OperationHandler) (*models.Ticket, error) {
	return h.AppendEvidence(ctx, r)
}

func (r TransitionRequest) Apply(ctx context.Context, h OperationHandler) (*models.Ticket, error) {
	return h.Transition(ctx, r)
}

func (r SignoffRequest) Apply(ctx context.Context, h OperationHandler) (*models.Ticket, error) {
	return h.Signoff(ctx, r)
}

func (r RejectRequest) Apply(ctx context.Context, h OperationHandler) (*models.Ticket, error) {
	return h.Reject(ctx, r)
}

func (EvidenceRequest) operation()   {}
func (TransitionRequest) operation() {}
func (SignoffRequest) operation()    {}
func (RejectRequest) operation()     {}

// DecodeOperation builds the operation called name for ticket id from a JSON
// body. It is the only place an operation is chosen by name.
func DecodeOperation(name, id string, body []byte) (Operation, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	var (
		op  Operation
		err error
	)
	switch name {
	case "evidence":
		var r EvidenceRequest
		err = json.Unmarshal(body, &r)
		r.ID = id
		op = r
	case "transition":
		var r TransitionRequest
		err = json.Unmarshal(body, &r)
		r.ID = id
		op = r
	case "signoff":
		var r SignoffRequest
		err = json.Unmarshal(body, &r)
		r.ID = id
		op = r
	case "reject":
		var r RejectRequest
		err = json.Unmarshal(body, &r)
		r.ID = id
		op = r
	default:
		return nil, invalid("action", "unknown action %q; use evidence, transition, signoff, or reject", name)
	}
	if err != nil {
		return nil, invalid("body", "invalid json: %v", err)
	}
	return op, nil
}

// String renders the operation for logs.
func (r TransitionRequest) String() string {
	return fmt.Sprintf("transition %s → %s by %s", r.ID, r.To, r.By)
}
