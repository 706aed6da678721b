package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrDuplicateApproval       = errors.New("approval id already used")
	ErrHoldNotFound            = errors.New("hold not found")
	ErrHoldInvalid             = errors.New("hold already finalized")
	ErrHoldExpired             = errors.New("hold expired")
	ErrAccountNotFound         = errors.New("account not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidOrgID            = errors.New("invalid org id")
	ErrInvalidApprovalID       = errors.New("invalid approval id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount cents")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidHoldStatus       = errors.New("invalid hold status")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidGasInput         = errors.New("invalid gas input")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// Retryable reports whether the caller may retry the operation after remediation
// (for example a top-up). Terminal hold errors and validation errors are not
// retryable against the same inputs.
func Retryable(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
