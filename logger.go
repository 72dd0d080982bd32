package signupdb

import (
	"context"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DriverLogger forwards go-mssqldb's log output to zap. The categories the
// driver emits are selected per connection by sqlcfg.Config.LogFlags.
type DriverLogger struct {
	logger *zap.Logger
}

// NewDriverLogger returns a DriverLogger writing to l.
func NewDriverLogger(l *zap.Logger) *DriverLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &DriverLogger{logger: l.With(zap.String("component", "mssql"))}
}

// Log implements mssql.ContextLogger.
func (d *DriverLogger) Log(ctx context.Context, category msdsn.Log, msg string) {
	if ce := d.logger.Check(levelFor(category), msg); ce != nil {
		ce.Write(zap.String("category", categoryName(category)))
	}
}

// InstallDriverLogger routes the driver's process-wide logger to l.
func InstallDriverLogger(l *zap.Logger) {
	mssql.SetContextLogger(NewDriverLogger(l))
}

func levelFor(c msdsn.Log) zapcore.Level {
	switch c {
	case msdsn.LogErrors:
		return zapcore.WarnLevel
	case msdsn.LogRetries:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

func categoryName(c msdsn.Log) string {
	switch c {
	case msdsn.LogErrors:
		return "errors"
	case msdsn.LogMessages:
		return "messages"
	case msdsn.LogRows:
		return "rows"
	case msdsn.LogSQL:
		return "sql"
	case msdsn.LogParams:
		return "params"
	case msdsn.LogTransaction:
		return "transaction"
	case msdsn.LogDebug:
		return "debug"
	case msdsn.LogRetries:
		return "retries"
	}
	return "unknown"
}

var _ mssql.ContextLogger = (*DriverLogger)(nil)
