package audit

import (
	"context"
	"log/slog"

	"github.com/jkaninda/toolgate/internal/security"
)

// LogSink writes events to a slog.Logger. It is the sink of last resort
// when no persistent sink is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) SendEvent(ev Event) error {
	level := slog.LevelInfo
	switch ev.Risk {
	case security.RiskHigh:
		level = slog.LevelWarn
	case security.RiskCritical:
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "audit event",
		slog.String("event_id", ev.ID),
		slog.String("tool_id", ev.ToolID),
		slog.String("event_type", string(ev.Type)),
		slog.String("user_id", ev.Context.UserID),
		slog.String("session_fp", ev.Context.SessionFingerprint),
		slog.String("risk_level", ev.Risk.String()),
		slog.Any("details", ev.Details),
	)
	return nil
}
