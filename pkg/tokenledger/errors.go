package tokenledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the token ledger service.
var (
	ErrInsufficientTokens        = errors.New("insufficient tokens")
	ErrUnknownUser               = errors.New("unknown user")
	ErrUnknownProduct            = errors.New("unknown product")
	ErrDuplicateOrder            = errors.New("duplicate external order")
	ErrProviderUnavailable       = errors.New("payment provider unavailable")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidExternalCustomerID = errors.New("invalid external customer id")
	ErrInvalidExternalProductID  = errors.New("invalid external product id")
	ErrInvalidExternalOrderID    = errors.New("invalid external order id")
	ErrInvalidTokenAmount        = errors.New("invalid token amount")
	ErrInvalidActionLabel        = errors.New("invalid action label")
	ErrInvalidCatalogEntry       = errors.New("invalid catalog entry")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
)

// InsufficientTokensError reports how far a spend attempt fell short.
// It matches ErrInsufficientTokens under errors.Is.
type InsufficientTokensError struct {
	Required  int64
	Available int64
}

// Error returns the formatted error message.
func (insufficientError InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: required %d, available %d", insufficientError.Required, insufficientError.Available)
}

// Is reports whether the target is the ErrInsufficientTokens sentinel.
func (insufficientError InsufficientTokensError) Is(target error) bool {
	return target == ErrInsufficientTokens
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
