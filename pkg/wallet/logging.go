package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
// It runs after the ledger transaction has committed or rolled back; a returned
// error is reported through Receipt.AuditError and the audit error handler.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog) error
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	WalletID       WalletID
	TransactionID  TransactionID
	ReservationID  TransactionID
	Amount         decimal.Decimal
	IdempotencyKey IdempotencyKey
	RequestID      RequestID
	Replayed       bool
	Status         string
	Error          error
	OccurredAt     time.Time
}

// AuditErrorHandler observes operation logger failures.
type AuditErrorHandler func(ctx context.Context, entry OperationLog, err error)

// WithOperationLogger adds a logger that receives callbacks for every operation.
// It may be given more than once.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithAuditErrorHandler wires a callback for operation logger failures.
func WithAuditErrorHandler(handler AuditErrorHandler) ServiceOption {
	return func(service *Service) {
		service.auditErrorHandler = handler
	}
}

// WithDefaultReservationTTL sets the hold lifetime used when a reservation names none.
func WithDefaultReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.defaultReservationTTL = ttl
		}
	}
}

// WithIDGenerator overrides how new wallet ids are minted.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}
