package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokenledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationEmitsInfoOnSuccess(test *testing.T) {
	test.Parallel()

	core, recorded := observer.New(zap.InfoLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))

	userID, err := tokenledger.NewUserID("user-1")
	if err != nil {
		test.Fatalf("new user id: %v", err)
	}
	operationLogger.LogOperation(context.Background(), tokenledger.OperationLog{
		Operation: "spend",
		UserID:    userID,
		Action:    "infographic",
		Amount:    2,
		Status:    "ok",
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != zap.InfoLevel {
		test.Fatalf("expected info level, got %v", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "spend" {
		test.Fatalf("expected operation field spend, got %v", fields["operation"])
	}
	if fields["amount"] != int64(2) {
		test.Fatalf("expected amount field 2, got %v", fields["amount"])
	}
}

func TestLogOperationEmitsWarnOnFailure(test *testing.T) {
	test.Parallel()

	core, recorded := observer.New(zap.InfoLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))

	operationLogger.LogOperation(context.Background(), tokenledger.OperationLog{
		Operation: "apply_order",
		Status:    "error",
		Error:     errors.New("boom"),
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		test.Fatalf("expected warn level, got %v", entries[0].Level)
	}
}

func TestNewZapOperationLoggerToleratesNil(test *testing.T) {
	test.Parallel()

	operationLogger := NewZapOperationLogger(nil)
	operationLogger.LogOperation(context.Background(), tokenledger.OperationLog{Operation: "spend", Status: "ok"})
}
