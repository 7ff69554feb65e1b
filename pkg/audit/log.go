package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogWriter writes audit events as structured log lines.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter returns a LogWriter. A nil logger writes nothing.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger.Named("audit")}
}

// Write implements Writer.
func (w *LogWriter) Write(_ context.Context, ev Event) error {
	w.logger.Info(string(ev.Type),
		zap.String("session_id", ev.SessionID),
		zap.String("client_id", ev.ClientID),
		zap.String("host", ev.Host),
		zap.String("detail", ev.Detail),
		zap.Time("at", ev.At))
	return nil
}
