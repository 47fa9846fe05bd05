package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/progress"
)

// LogSink writes each lifecycle event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch. Empty fields are omitted.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		fields = appendString(fields, "job_id", evt.JobID)
		fields = appendString(fields, "browser_id", evt.BrowserID)
		fields = appendString(fields, "lease_id", evt.LeaseID)
		fields = appendString(fields, "delivery_id", evt.DeliveryID)
		fields = appendString(fields, "phase", evt.Phase)
		fields = appendString(fields, "status_class", string(evt.StatusClass))
		fields = appendString(fields, "reason", evt.Reason)
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func appendString(fields []zap.Field, key, value string) []zap.Field {
	if value == "" {
		return fields
	}
	return append(fields, zap.String(key, value))
}
