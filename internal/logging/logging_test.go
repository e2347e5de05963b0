package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

func TestNewLoggerEnvironments(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		env     string
		level   string
		wantErr bool
	}{
		{name: "prod", env: "prod"},
		{name: "dev with level", env: "dev", level: "warn"},
		{name: "docker", env: "docker"},
		{name: "unknown env", env: "staging", wantErr: true},
		{name: "bad level", env: "local", level: "loud", wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			logger, err := NewLogger(testCase.env, testCase.level)
			if testCase.wantErr {
				if err == nil {
					test.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				test.Fatalf("new logger: %v", err)
			}
			if testCase.level == "warn" && logger.Core().Enabled(zapcore.InfoLevel) {
				test.Fatalf("expected info to be disabled by level override")
			}
		})
	}
}

func TestContextLogger(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithContext(context.Background(), zap.New(core).With(zap.String("request_id", "req-1")))
	FromContext(ctx).Info("hello")
	FromContext(context.Background()).Info("dropped")

	if logs.Len() != 1 || logs.All()[0].ContextMap()["request_id"] != "req-1" {
		test.Fatalf("expected one scoped entry, got %+v", logs.All())
	}
}

func TestOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	operationLogger := NewOperationLogger(zap.New(core))
	walletID, err := wallet.NewWalletID("wallet-1")
	if err != nil {
		test.Fatalf("wallet id: %v", err)
	}
	key, err := wallet.NewIdempotencyKey("deduct:req-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}

	entries := []wallet.OperationLog{
		{Operation: "deduct", Status: "ok", WalletID: walletID, Amount: decimal.NewFromInt(5), IdempotencyKey: key},
		{Operation: "deduct", Status: "denied", WalletID: walletID, Error: &wallet.LimitExceededError{Scope: wallet.LimitScopeHard, WalletID: walletID}},
		{Operation: "deduct", Status: "error", WalletID: walletID, Error: errors.New("db down")},
	}
	for _, entry := range entries {
		if err := operationLogger.LogOperation(context.Background(), entry); err != nil {
			test.Fatalf("log operation: %v", err)
		}
	}

	all := logs.All()
	if len(all) != 3 {
		test.Fatalf("expected three entries, got %d", len(all))
	}
	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.ErrorLevel}
	for index, want := range wantLevels {
		if all[index].Level != want {
			test.Fatalf("entry %d: expected %s, got %s", index, want, all[index].Level)
		}
	}
	if all[0].ContextMap()["idempotency_key"] != "deduct:req-1" || all[0].ContextMap()["amount"] != "5" {
		test.Fatalf("unexpected fields %+v", all[0].ContextMap())
	}
}

func TestAuditErrorHandlerObserves(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	var observed []string
	handler := AuditErrorHandler(zap.New(core), func(operation string) { observed = append(observed, operation) })

	handler(context.Background(), wallet.OperationLog{Operation: "refund"}, errors.New("kafka down"))
	if logs.Len() != 1 || len(observed) != 1 || observed[0] != "refund" {
		test.Fatalf("expected logged and observed failure, got logs=%d observed=%v", logs.Len(), observed)
	}
}
