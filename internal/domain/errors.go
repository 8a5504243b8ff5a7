package domain

import "errors"

// Caller-visible failure modes. Use-cases translate these into outcomes;
// orchestrators log and continue.
var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrReceivableNotFound = errors.New("dividend receivable not found")

	// ErrIdempotencyConflict is returned when the same idempotency key is
	// replayed with a different request body.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrOrderNotSubmitted is returned when a fill targets an order that
	// already reached a terminal status.
	ErrOrderNotSubmitted = errors.New("order is not in submitted status")

	// ErrGuardrailBreach is returned when the execute-time guardrail
	// re-check blocks a fill. The order stays submitted; caller policy
	// decides what to do with it.
	ErrGuardrailBreach = errors.New("guardrail breach")

	// ErrPartialFillUnsupported is returned when a fill quantity differs
	// from the order quantity. The engine only executes full fills.
	ErrPartialFillUnsupported = errors.New("partial fills are not supported")

	// ErrQuoteRejected is returned when the live orchestrator receives a
	// quote from a source it does not trust.
	ErrQuoteRejected = errors.New("quote source rejected")
)

// ValidationError marks bad input rejected at a boundary.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ErrValidation builds a ValidationError from a reason string.
func ErrValidation(reason string) error {
	return &ValidationError{Reason: reason}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
