package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/ticketd/internal/lifecycle"
)

// Error codes returned in the "code" field of error bodies, so clients can
// tell a full WIP class from a lost race without parsing messages.
const (
	CodeNotFound             = "not_found"
	CodeValidation           = "validation_error"
	CodeInvalidTransition    = "invalid_transition"
	CodeInvalidState         = "invalid_state"
	CodeCapacityExceeded     = "capacity_exceeded"
	CodeLeaseRequired        = "lease_required"
	CodeReasonRequired       = "reason_required"
	CodeVerificationRequired = "verification_required"
	CodeConflict             = "conflict"
	CodeInternal             = "internal"
)

var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{lifecycle.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{lifecycle.ErrValidation, http.StatusBadRequest, CodeValidation},
	{lifecycle.ErrInvalidTransition, http.StatusBadRequest, CodeInvalidTransition},
	{lifecycle.ErrInvalidState, http.StatusBadRequest, CodeInvalidState},
	{lifecycle.ErrCapacityExceeded, http.StatusConflict, CodeCapacityExceeded},
	{lifecycle.ErrLeaseRequired, http.StatusBadRequest, CodeLeaseRequired},
	{lifecycle.ErrReasonRequired, http.StatusBadRequest, CodeReasonRequired},
	{lifecycle.ErrVerificationRequired, http.StatusForbidden, CodeVerificationRequired},
	{lifecycle.ErrConflict, http.StatusConflict, CodeConflict},
}

// classify maps an engine error to an HTTP status and error code.
func classify(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Set for capacity_exceeded.
	Class string `json:"wip_class,omitempty"`
	Count int    `json:"count,omitempty"`
	Cap   int    `json:"cap,omitempty"`
}
