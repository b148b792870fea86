package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/model"
)

// Notification describes a node event addressed to the workflow owner.
type Notification struct {
	WorkflowID string
	RunID      string
	NodeID     string
	Attempt    int
	Owner      string
	Email      string
	Err        error
}

// Notifier is told about node retries and failures. The engine only calls
// it when the workflow's email_on_retry or email_on_failure flag is set.
type Notifier interface {
	NodeRetry(ctx context.Context, n Notification)
	NodeFailed(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the log instead of sending mail.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs through logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NodeRetry logs a retry notification.
func (n *LogNotifier) NodeRetry(_ context.Context, note Notification) {
	n.logger.Warn("notify: node retry", notificationFields(note)...)
}

// NodeFailed logs a failure notification.
func (n *LogNotifier) NodeFailed(_ context.Context, note Notification) {
	n.logger.Error("notify: node failed", notificationFields(note)...)
}

func notificationFields(n Notification) []zap.Field {
	return []zap.Field{
		zap.String("workflow_id", n.WorkflowID),
		zap.String("run_id", n.RunID),
		zap.String("node_id", n.NodeID),
		zap.Int("attempt", n.Attempt),
		zap.String("owner", n.Owner),
		zap.String("email", n.Email),
		zap.String("error_code", model.CodeOf(n.Err)),
		zap.Error(n.Err),
	}
}
