package lifecycle

import (
	"strings"

	"github.com/fentz26/ticketd/internal/models"
)

// Gate enforces human-in-the-loop closure. Only Signoff can write a
// human_signoff verification; generic transitions merely check for one.
type Gate struct {
	operator string
}

// NewGate creates a gate that attributes signoffs and rejections to operator.
func NewGate(operator string) *Gate {
	if operator == "" {
		operator = "operator"
	}
	return &Gate{operator: operator}
}

// Operator returns the identity recorded on signoff and reject.
func (g *Gate) Operator() string {
	return g.operator
}

// CheckDrop requires a reason for every drop.
func (g *Gate) CheckDrop(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	return nil
}

// CheckClose requires a verified human signoff before review → done.
func (g *Gate) CheckClose(t *models.Ticket) error {
	if !t.Verification.HumanSignedOff() {
		return ErrVerificationRequired
	}
	return nil
}

// signoff marks t verified by the operator.
func (g *Gate) signoff(t *models.Ticket, notes string, confidence *float64) {
	c := 1.0
	if confidence != nil {
		c = *confidence
	}
	if notes == "" {
		notes = "Approved by " + g.operator
	}
	method := models.MethodHumanSignoff
	verifier := g.operator
	t.Verification = models.Verification{
		Status:     models.VerificationVerified,
		Confidence: c,
		Method:     &method,
		Verifier:   &verifier,
		Notes:      notes,
	}
}

// reject resets verification to failed, leaving no method or verifier behind.
func (g *Gate) reject(t *models.Ticket, notes string) {
	t.Verification = models.Verification{
		Status:     models.VerificationFailed,
		Confidence: 0,
		Notes:      notes,
	}
}
