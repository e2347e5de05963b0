package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

// OperationLogger writes every ledger operation to zap. Denials log at Info,
// failures at Error.
type OperationLogger struct {
	logger *zap.Logger
}

var _ wallet.OperationLogger = (*OperationLogger)(nil)

// NewOperationLogger wraps logger. A nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements wallet.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry wallet.OperationLog) error {
	logger := operationLogger.logger
	if scoped, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		logger = scoped
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("wallet_id", entry.WalletID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.Time("occurred_at", entry.OccurredAt),
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.RequestID.String() != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID.String()))
	}
	if entry.Replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}

	switch {
	case entry.Error == nil:
		logger.Debug("ledger operation", fields...)
	case wallet.IsPolicyDenial(entry.Error):
		logger.Info("ledger operation denied", fields...)
	default:
		logger.Error("ledger operation failed", fields...)
	}
	return nil
}

// AuditErrorHandler returns a wallet.AuditErrorHandler that logs audit sink
// failures and calls observe, when given, for each one.
func AuditErrorHandler(logger *zap.Logger, observe func(operation string)) wallet.AuditErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, entry wallet.OperationLog, err error) {
		logger.Warn("audit sink failed",
			zap.String("operation", entry.Operation),
			zap.String("wallet_id", entry.WalletID.String()),
			zap.Error(err),
		)
		if observe != nil {
			observe(entry.Operation)
		}
	}
}
