package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

// LogSink writes every event as a structured log line. Rejections and errors
// log at warn level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event.
func (s *LogSink) Consume(_ context.Context, batch []event.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		if evt.Error != "" {
			level = zapcore.WarnLevel
		}
		if ce := s.logger.Check(level, "crawler event"); ce != nil {
			ce.Write(
				zap.String("event", string(evt.Name)),
				zap.Time("ts", evt.TS),
				zap.String("node", evt.Node),
				zap.String("crawler", evt.Crawler),
				zap.String("reference", evt.Reference),
				zap.String("state", evt.State),
				zap.String("error", evt.Error),
				zap.Int64("count", evt.Count),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		}
	}
	return nil
}

// Close does nothing.
func (s *LogSink) Close(context.Context) error {
	return nil
}
