// Package sinks contains progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jpvasquez/sri-downloader/internal/progress"
)

// LogSink emits structured logs for progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(_ context.Context, evt progress.Event) error {
	fields := []zap.Field{
		zap.String("run_id", evt.RunID),
		zap.String("stage", string(evt.Stage)),
		zap.Int("page", evt.State.CurrentPage),
		zap.Int("total_pages", evt.State.TotalPages),
		zap.Int("document", evt.State.CurrentDocument),
		zap.Int("succeeded", evt.State.Succeeded),
		zap.Int("failed", evt.State.Failed),
		zap.Int("skipped", evt.State.Skipped),
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	s.logger.Info("progress event", fields...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
