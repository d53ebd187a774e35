package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/metrics"
	"github.com/vibehost/provisioner/internal/notify"
	"github.com/vibehost/provisioner/internal/util/workerpool"
)

const (
	eventDeploySucceeded = "deploy_succeeded"
	eventDeployFailed    = "deploy_failed"
)

// NotificationService delivers deploy outcomes off the deploy path with
// bounded retries. Delivery failures never affect the deploy result.
// Without a pool each notification gets a single inline attempt, so the
// caller is never held up by a retry schedule.
type NotificationService struct {
	notifier        notify.Notifier
	pool            *workerpool.Pool // nil delivers once inline
	maxRetries      uint64
	initialInterval time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// NewNotificationService creates a notification service
func NewNotificationService(
	notifier notify.Notifier,
	pool *workerpool.Pool,
	maxRetries int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *NotificationService {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &NotificationService{
		notifier:        notifier,
		pool:            pool,
		maxRetries:      uint64(maxRetries),
		initialInterval: time.Second,
		metrics:         m,
		logger:          logger,
	}
}

// Enqueue queues delivery of a concluded deploy. A notification with a
// Reason reports a failure.
func (s *NotificationService) Enqueue(ctx context.Context, n notify.Notification) {
	if n.Reason != "" {
		s.enqueue(ctx, eventDeployFailed, n, s.notifier.DeployFailed)
		return
	}
	s.enqueue(ctx, eventDeploySucceeded, n, s.notifier.DeploySucceeded)
}

func (s *NotificationService) enqueue(ctx context.Context, event string, n notify.Notification, send func(context.Context, notify.Notification) error) {
	if s.pool == nil {
		_ = s.deliver(context.WithoutCancel(ctx), event, n, send, 0)
		return
	}

	deliver := func(taskCtx context.Context) error {
		return s.deliver(taskCtx, event, n, send, s.maxRetries)
	}

	err := s.pool.Submit(workerpool.Task{Key: event + ":" + n.StackName, Fn: deliver})
	if err != nil {
		s.metrics.RecordNotification(event, "dropped")
		s.logger.Warn("Notification dropped",
			zap.String("event", event),
			zap.String("stack", n.StackName),
			zap.Error(err))
	}
}

func (s *NotificationService) deliver(ctx context.Context, event string, n notify.Notification, send func(context.Context, notify.Notification) error, retries uint64) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialInterval
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			return send(ctx, n)
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx),
		func(err error, wait time.Duration) {
			s.logger.Debug("Notification attempt failed",
				zap.String("event", event),
				zap.String("stack", n.StackName),
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		},
	)
	if err != nil {
		s.metrics.RecordNotification(event, "failed")
		s.logger.Warn("Notification not delivered",
			zap.String("event", event),
			zap.String("notifier", s.notifier.Kind()),
			zap.String("stack", n.StackName),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return err
	}

	s.metrics.RecordNotification(event, "sent")
	return nil
}
