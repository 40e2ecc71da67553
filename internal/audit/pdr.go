// Package audit records Process Decision Records for every ticket mutation,
// accepted or refused.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/fentz26/ticketd/internal/models"
)

// Outcomes written to decision records.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(action, inputsHash, outcome, ticketID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
	// refused reports whether an error is a policy refusal rather than a fault.
	refused func(error) bool
}

// NewPDRWriter creates a new PDR writer. refused classifies errors as
// policy refusals; nil treats every error as a fault.
func NewPDRWriter(sink Sink, refused func(error) bool) *PDRWriter {
	return &PDRWriter{sink: sink, refused: refused}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, ticketID, details string) (*models.PDREntry, error) {
	return w.sink.WritePDR(action, hashInputs(inputs), outcome, ticketID, details)
}

// RecordResult derives the outcome from err and records it. Write failures
// are logged, never returned: the audit trail must not change the result of
// the operation it describes.
func (w *PDRWriter) RecordResult(action string, inputs interface{}, ticketID string, err error) {
	if w == nil {
		return
	}
	outcome, details := OutcomeSuccess, ""
	if err != nil {
		outcome, details = OutcomeError, err.Error()
		if w.refused != nil && w.refused(err) {
			outcome = OutcomeRejected
		}
	}
	if _, werr := w.Record(action, inputs, outcome, ticketID, details); werr != nil {
		log.Printf("audit: record %s for %s: %v", action, ticketID, werr)
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
