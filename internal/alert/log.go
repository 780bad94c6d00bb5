package alert

import (
	"context"
	"log/slog"
	"time"
)

// LogNotifier records every alert as a structured log line.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Logger.Warn("Occupancy capacity reached",
		"event_id", ev.ID,
		"occupancy", ev.Occupancy,
		"max_occupancy", ev.MaxOccupancy,
		"timestamp", ev.Timestamp.Format(time.RFC3339))
	return nil
}
