package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationLoggerWritesFields(test *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	operationLogger := NewOperationLogger(zap.New(core))
	userID, _ := ledger.NewUserID("fan")
	counterpartyID, _ := ledger.NewUserID("creator")

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:      "transfer",
		UserID:         userID,
		CounterpartyID: counterpartyID,
		EntryType:      ledger.EntryTip,
		Amount:         25,
		IdempotencyKey: ledger.OptionalIdempotencyKey("tip:fan:creator:r1"),
		Status:         "ok",
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "transfer",
		UserID:    userID,
		Status:    "error",
		Error:     errors.New("insufficient funds"),
	})

	entries := recorded.All()
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0].ContextMap()
	if entries[0].Level != zapcore.InfoLevel || first["user_id"] != "fan" || first["counterparty_id"] != "creator" || first["amount"] != int64(25) {
		test.Fatalf("unexpected first entry %v %v", entries[0].Level, first)
	}
	if _, ok := first["hold_id"]; ok {
		test.Fatalf("unset hold id must be omitted: %v", first)
	}
	second := entries[1].ContextMap()
	if entries[1].Level != zapcore.WarnLevel || second["error"] != "insufficient funds" {
		test.Fatalf("unexpected second entry %v %v", entries[1].Level, second)
	}
}

func TestNilLoggerDiscards(test *testing.T) {
	NewOperationLogger(nil).LogOperation(context.Background(), ledger.OperationLog{Operation: "credit"})
}
