package orderpay

import (
	"errors"
	"fmt"
)

// ErrorClass groups settlement errors by how they must be handled
type ErrorClass string

const (
	// ClientError is surfaced to the payer immediately and never retried
	ClientError ErrorClass = "client"
	// NetworkError is retried with backoff until the settlement deadline
	NetworkError ErrorClass = "network"
	// LedgerError is fatal for the payment attempt
	LedgerError ErrorClass = "ledger"
	// ReorgError resets the settlement to pending
	ReorgError ErrorClass = "reorg"
	// ValidationError ends the settlement as rejected
	ValidationError ErrorClass = "validation"
	// TimeoutError reports an expired wait; the transaction may still confirm
	TimeoutError ErrorClass = "timeout"
)

// Error codes
const (
	ErrCodeAlreadyPaid        = "already_paid"
	ErrCodeZeroValue          = "zero_value"
	ErrCodeInsufficientFunds  = "insufficient_funds"
	ErrCodeSubmissionFailed   = "submission_failed"
	ErrCodeNetworkUnreachable = "network_unreachable"
	ErrCodePollFailed         = "poll_failed"
	ErrCodeReorganized        = "reorganized"
	ErrCodeUnderpaid          = "underpaid"
	ErrCodeMismatched         = "mismatched"
	ErrCodeTimedOut           = "timed_out"
	ErrCodeNotFound           = "not_found"
	ErrCodeCancelled          = "cancelled"
	ErrCodeTxFailed           = "tx_failed"
)

// SettlementError is a classified settlement error
type SettlementError struct {
	Class   ErrorClass             `json:"class"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	OrderID OrderID                `json:"orderId,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *SettlementError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OrderID != "" {
		msg = fmt.Sprintf("order %s: %s", e.OrderID, msg)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *SettlementError) Unwrap() error {
	return e.cause
}

// Is matches on class and code so sentinel comparisons work for wrapped errors
func (e *SettlementError) Is(target error) bool {
	t, ok := target.(*SettlementError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewSettlementError creates a new classified error
func NewSettlementError(class ErrorClass, code, message string, cause error) *SettlementError {
	return &SettlementError{
		Class:   class,
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// WithOrder returns a copy of the error bound to an order
func (e *SettlementError) WithOrder(id OrderID) *SettlementError {
	cp := *e
	cp.OrderID = id
	return &cp
}

// Sentinel errors, compare with errors.Is
var (
	ErrAlreadyPaid       = NewSettlementError(LedgerError, ErrCodeAlreadyPaid, "order already paid", nil)
	ErrZeroValue         = NewSettlementError(LedgerError, ErrCodeZeroValue, "payment value must be greater than zero", nil)
	ErrInsufficientFunds = NewSettlementError(ClientError, ErrCodeInsufficientFunds, "payer balance below amount", nil)
	ErrSubmission        = NewSettlementError(ClientError, ErrCodeSubmissionFailed, "payment could not be signed or submitted", nil)
	ErrNetwork           = NewSettlementError(NetworkError, ErrCodeNetworkUnreachable, "chain gateway unreachable", nil)
	ErrPollFailed        = NewSettlementError(NetworkError, ErrCodePollFailed, "finality poll failed", nil)
	ErrReorganized       = NewSettlementError(ReorgError, ErrCodeReorganized, "transaction removed from canonical chain", nil)
	ErrUnderpaid         = NewSettlementError(ValidationError, ErrCodeUnderpaid, "amount received below expected amount", nil)
	ErrMismatched        = NewSettlementError(ValidationError, ErrCodeMismatched, "ledger record does not match order", nil)
	ErrTimedOut          = NewSettlementError(TimeoutError, ErrCodeTimedOut, "timed out waiting for finality", nil)
	ErrNotFound          = NewSettlementError(ClientError, ErrCodeNotFound, "not found", nil)
	ErrCancelled         = NewSettlementError(ClientError, ErrCodeCancelled, "settlement cancelled", nil)
	ErrTxFailed          = NewSettlementError(LedgerError, ErrCodeTxFailed, "transaction failed on chain", nil)
)

// Wrap attaches a cause to a sentinel error, keeping its class and code
func Wrap(sentinel *SettlementError, cause error) *SettlementError {
	cp := *sentinel
	cp.cause = cause
	return &cp
}

// Wrapf attaches a formatted message to a sentinel error
func Wrapf(sentinel *SettlementError, format string, args ...interface{}) *SettlementError {
	cp := *sentinel
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// ClassOf returns the class of a settlement error, or "" for foreign errors
func ClassOf(err error) ErrorClass {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Class
	}
	return ""
}

// IsRetryable reports whether the error may clear up on its own
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case NetworkError, ReorgError:
		return true
	}
	return false
}
