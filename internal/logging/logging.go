// Package logging adapts ledger operation callbacks to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const operationMessage = "ledger operation"

// OperationLogger writes every ledger operation as one structured line. Failures log at
// warn so they surface without paging on expected rejections such as insufficient funds.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger. A nil logger discards everything.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.CounterpartyID.IsZero() {
		fields = append(fields, zap.String("counterparty_id", entry.CounterpartyID.String()))
	}
	if !entry.HoldID.IsZero() {
		fields = append(fields, zap.String("hold_id", entry.HoldID.String()))
	}
	if entry.EntryType != "" {
		fields = append(fields, zap.String("entry_type", entry.EntryType.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		level = zapcore.WarnLevel
		fields = append(fields, zap.Error(entry.Error))
	}
	if checked := operationLogger.logger.Check(level, operationMessage); checked != nil {
		checked.Write(fields...)
	}
}

// New builds the process logger. Development mode switches to the console encoder.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
