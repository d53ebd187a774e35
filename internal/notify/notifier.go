// Package notify tells tenants how their deploys ended.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notification describes a concluded deploy
type Notification struct {
	StackName string
	OwnerID   string
	Email     string
	URL       string
	Reason    string // failure cause, empty on success
}

// Notifier delivers deploy outcomes
type Notifier interface {
	Kind() string
	DeploySucceeded(ctx context.Context, n Notification) error
	DeployFailed(ctx context.Context, n Notification) error
}

// LogNotifier only logs what would have been sent
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Kind() string { return "log" }

func (l *LogNotifier) DeploySucceeded(_ context.Context, n Notification) error {
	l.logger.Info("Stack ready",
		zap.String("stack", n.StackName),
		zap.String("owner_id", n.OwnerID),
		zap.String("email", n.Email),
		zap.String("url", n.URL))
	return nil
}

func (l *LogNotifier) DeployFailed(_ context.Context, n Notification) error {
	l.logger.Info("Stack deploy failed",
		zap.String("stack", n.StackName),
		zap.String("owner_id", n.OwnerID),
		zap.String("email", n.Email),
		zap.String("reason", n.Reason))
	return nil
}
