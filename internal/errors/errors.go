package errors

import (
	"errors"
	"fmt"
)

// Domain error types for the credit ledger
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountAlreadyExists   = errors.New("account already exists")
	ErrAccountArchived        = errors.New("account is archived")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidAccountID       = errors.New("invalid account ID")
	ErrInvalidTier            = errors.New("invalid tier")
	ErrInvalidSource          = errors.New("invalid ledger source")
	ErrNegativeBalance        = errors.New("balance cannot be negative")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrIdempotencyConflict    = errors.New("idempotency key already used for a different operation")
	ErrEntryNotFound          = errors.New("ledger entry not found")
)

// Webhook errors
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrDuplicateEvent   = errors.New("webhook event already recorded")
	ErrEventNotFound    = errors.New("webhook event not found")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// TransactionError wraps an infrastructure failure. Key is the idempotency
// key or event id the caller can retry with.
type TransactionError struct {
	Operation string
	Key       string
	Cause     error
}

func (e *TransactionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("transaction error during '%s': %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("transaction error during '%s' (key %s): %v", e.Operation, e.Key, e.Cause)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

func NewKeyedTransactionError(operation, key string, cause error) error {
	return &TransactionError{
		Operation: operation,
		Key:       key,
		Cause:     cause,
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

func IsArchived(err error) bool {
	return errors.Is(err, ErrAccountArchived)
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAccountAlreadyExists)
}

func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyConflict)
}

// IsRetryable reports whether err is an infrastructure failure that is safe
// to retry with the same idempotency key.
func IsRetryable(err error) bool {
	var txErr *TransactionError
	return errors.As(err, &txErr)
}

func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrStaleTimestamp)
}

func IsMalformedPayload(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}
