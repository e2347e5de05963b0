package wallet

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain-level error values returned by the wallet service.
var (
	ErrHardLimitExceeded       = errors.New("hard limit exceeded")
	ErrHierarchyLimitExceeded  = errors.New("hierarchy limit exceeded")
	ErrUnknownWallet           = errors.New("unknown wallet")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrUnknownReservation      = errors.New("unknown reservation")
	ErrReservationClosed       = errors.New("reservation closed")
	ErrWalletNotActive         = errors.New("wallet not active")
	ErrWalletClosed            = errors.New("wallet closed")
	ErrWalletExists            = errors.New("wallet already exists")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrIdempotencyKeyConflict  = errors.New("idempotency key used by a different operation")
	ErrHierarchyCycle          = errors.New("wallet hierarchy cycle")
	ErrInvalidWalletID         = errors.New("invalid wallet id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidRequestID        = errors.New("invalid request id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidKind             = errors.New("invalid wallet kind")
	ErrInvalidStatus           = errors.New("invalid wallet status")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidWalletSettings   = errors.New("invalid wallet settings")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidDateRange        = errors.New("invalid date range")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// LimitScope tells which limit blocked an operation.
type LimitScope string

const (
	LimitScopeHard      LimitScope = "hard_limit"
	LimitScopeHierarchy LimitScope = "hierarchy"
)

// LimitExceededError carries the numbers behind a limit denial.
type LimitExceededError struct {
	Scope LimitScope
	// WalletID is the wallet whose limit was hit; for hierarchy denials this is the ancestor.
	WalletID       WalletID
	HardLimit      decimal.Decimal
	EffectiveLimit decimal.Decimal
	Used           decimal.Decimal
	Reserved       decimal.Decimal
	Requested      decimal.Decimal
	Available      decimal.Decimal
}

// Error returns the formatted error message.
func (limitError *LimitExceededError) Error() string {
	return fmt.Sprintf("%s: wallet %s requested %s with %s available (limit %s, used %s, reserved %s)",
		limitError.Unwrap(),
		limitError.WalletID.String(),
		limitError.Requested.String(),
		limitError.Available.String(),
		limitError.EffectiveLimit.String(),
		limitError.Used.String(),
		limitError.Reserved.String(),
	)
}

// Unwrap maps the scope onto its sentinel.
func (limitError *LimitExceededError) Unwrap() error {
	if limitError.Scope == LimitScopeHierarchy {
		return ErrHierarchyLimitExceeded
	}
	return ErrHardLimitExceeded
}

// IsPolicyDenial reports whether err is an expected budget denial rather than a failure.
func IsPolicyDenial(err error) bool {
	return errors.Is(err, ErrHardLimitExceeded) || errors.Is(err, ErrHierarchyLimitExceeded)
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
