package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies order errors so callers can decide whether to retry,
// resize, or give up.
type ErrorKind string

const (
	// ErrKindValidation marks a malformed intent. Never retried.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindRiskViolation marks a business-rule breach (leverage, position
	// size, concentration, daily cap). Never retried.
	ErrKindRiskViolation ErrorKind = "risk_violation"
	// ErrKindInsufficientFunds is a risk failure callers may respond to by
	// resubmitting a smaller order.
	ErrKindInsufficientFunds ErrorKind = "insufficient_funds"
	// ErrKindBrokerSubmission marks a failed child submission. The child is
	// rejected; the parent keeps its last good state.
	ErrKindBrokerSubmission ErrorKind = "broker_submission"
	// ErrKindBrokerTransient marks a retryable broker read failure.
	ErrKindBrokerTransient ErrorKind = "broker_transient"
	// ErrKindReconciliation marks a duplicate or inconsistent fill.
	ErrKindReconciliation ErrorKind = "reconciliation_conflict"
)

// OrderError is the typed error carried through the order lifecycle. Check
// names the specific rule or operation that failed.
type OrderError struct {
	Kind  ErrorKind
	Check string
	Msg   string
	Err   error
}

func (e *OrderError) Error() string {
	if e.Check != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Check, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *OrderError) Unwrap() error { return e.Err }

// ValidationError reports a malformed order intent.
func ValidationError(format string, args ...any) *OrderError {
	return &OrderError{Kind: ErrKindValidation, Msg: fmt.Sprintf(format, args...)}
}

// RiskError reports a business-rule violation for the named check.
func RiskError(check, format string, args ...any) *OrderError {
	return &OrderError{Kind: ErrKindRiskViolation, Check: check, Msg: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError reports a buying-power shortfall.
func InsufficientFundsError(format string, args ...any) *OrderError {
	return &OrderError{Kind: ErrKindInsufficientFunds, Check: "buying_power", Msg: fmt.Sprintf(format, args...)}
}

// BrokerSubmissionError wraps a failed child submission.
func BrokerSubmissionError(err error) *OrderError {
	return &OrderError{Kind: ErrKindBrokerSubmission, Msg: err.Error(), Err: err}
}

// BrokerTransientError wraps a retryable broker read failure.
func BrokerTransientError(err error) *OrderError {
	return &OrderError{Kind: ErrKindBrokerTransient, Msg: err.Error(), Err: err}
}

// ReconciliationError reports a duplicate or inconsistent fill.
func ReconciliationError(format string, args ...any) *OrderError {
	return &OrderError{Kind: ErrKindReconciliation, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or "" if err is not an OrderError.
func KindOf(err error) ErrorKind {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// ErrOrderNotFound is returned by lookups for unknown order IDs.
var ErrOrderNotFound = errors.New("order not found")

// ErrPortfolioNotFound is returned by lookups for unknown portfolio IDs.
var ErrPortfolioNotFound = errors.New("portfolio not found")

// ErrPositionNotFound is returned by lookups for unknown positions.
var ErrPositionNotFound = errors.New("position not found")
