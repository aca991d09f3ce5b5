// Package notify defines the outbound notification sink. Delivery is
// fire-and-forget from the pipeline's perspective: sink failures are logged,
// never propagated into job outcomes.
package notify

import (
	"context"
	"log/slog"
)

// Notification kinds emitted by the pipeline.
const (
	KindDocumentProcessed = "document_processed"
	KindDocumentFailed    = "document_failed"
	KindBatchCompleted    = "batch_completed"
)

// Notification is one message handed to the sink.
type Notification struct {
	UserID   string         `json:"user_id"`
	Kind     string         `json:"kind"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers notifications to the surrounding system.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. Used in local
// development and as the default sink.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg Notification) error {
	n.logger.Info("notification",
		"user_id", msg.UserID,
		"kind", msg.Kind,
		"title", msg.Title,
		"message", msg.Message)
	return nil
}
