package notify

import (
	"context"

	"github.com/alexos-labs/watchtower-agent/internal/events"
)

// LogNotifier writes every forwarded event as a structured log line. It
// is always enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs events.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Send(_ context.Context, event events.Event) error {
	l.log.Info("notification",
		"kind", string(event.Kind),
		"sequence", event.Sequence,
		"container_id", event.ContainerID,
	)
	return nil
}
