package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/notify"
	"github.com/vibehost/provisioner/internal/util/workerpool"
)

// flakyNotifier fails the first failures deliveries
type flakyNotifier struct {
	mu        sync.Mutex
	failures  int
	succeeded []notify.Notification
	failed    []notify.Notification
	calls     int
}

func (f *flakyNotifier) Kind() string { return "flaky" }

func (f *flakyNotifier) DeploySucceeded(_ context.Context, n notify.Notification) error {
	return f.record(&f.succeeded, n)
}

func (f *flakyNotifier) DeployFailed(_ context.Context, n notify.Notification) error {
	return f.record(&f.failed, n)
}

func (f *flakyNotifier) record(into *[]notify.Notification, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("smtp: 421 try again later")
	}
	*into = append(*into, n)
	return nil
}

func newNotificationService(notifier notify.Notifier, pool *workerpool.Pool, retries int) (*NotificationService, func(string, string) float64) {
	m := testMetrics()
	svc := NewNotificationService(notifier, pool, retries, m, zap.NewNop())
	svc.initialInterval = time.Millisecond
	return svc, func(event, result string) float64 {
		return testutil.ToFloat64(m.NotificationsTotal.WithLabelValues(event, result))
	}
}

func newNotificationPool() *workerpool.Pool {
	return workerpool.New(workerpool.Config{Name: "notifications", Workers: 1, QueueSize: 4})
}

func TestNotificationService_RetriesUntilDelivered(t *testing.T) {
	notifier := &flakyNotifier{failures: 2}
	pool := newNotificationPool()
	svc, count := newNotificationService(notifier, pool, 3)

	svc.Enqueue(context.Background(), notify.Notification{StackName: "acme", Email: "a@acme.io", URL: "https://acme.example.com"})
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, 3, notifier.calls)
	require.Len(t, notifier.succeeded, 1)
	assert.Equal(t, "acme", notifier.succeeded[0].StackName)
	assert.Equal(t, 1.0, count(eventDeploySucceeded, "sent"))
}

func TestNotificationService_GivesUpAfterMaxRetries(t *testing.T) {
	notifier := &flakyNotifier{failures: 100}
	pool := newNotificationPool()
	svc, count := newNotificationService(notifier, pool, 2)

	svc.Enqueue(context.Background(), notify.Notification{StackName: "acme", Reason: "health check timed out"})
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, 3, notifier.calls)
	assert.Empty(t, notifier.failed)
	assert.Equal(t, 1.0, count(eventDeployFailed, "failed"))
}

func TestNotificationService_InlineDeliveryDoesNotRetry(t *testing.T) {
	notifier := &flakyNotifier{failures: 100}
	svc, count := newNotificationService(notifier, nil, 5)
	svc.initialInterval = time.Minute

	start := time.Now()
	svc.Enqueue(context.Background(), notify.Notification{StackName: "acme"})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, 1.0, count(eventDeploySucceeded, "failed"))
}

func TestNotificationService_FailureReasonSelectsFailedMail(t *testing.T) {
	notifier := &flakyNotifier{}
	pool := newNotificationPool()
	svc, count := newNotificationService(notifier, pool, 0)

	svc.Enqueue(context.Background(), notify.Notification{StackName: "acme", Reason: "compose up failed"})
	svc.Enqueue(context.Background(), notify.Notification{StackName: "beta"})
	require.NoError(t, pool.Stop(5*time.Second))

	require.Len(t, notifier.failed, 1)
	assert.Equal(t, "acme", notifier.failed[0].StackName)
	require.Len(t, notifier.succeeded, 1)
	assert.Equal(t, "beta", notifier.succeeded[0].StackName)
	assert.Equal(t, 1.0, count(eventDeployFailed, "sent"))
}

func TestNotificationService_StoppedPoolDropsNotification(t *testing.T) {
	notifier := &flakyNotifier{}
	pool := workerpool.New(workerpool.Config{Name: "notifications", Workers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))
	svc, count := newNotificationService(notifier, pool, 0)

	svc.Enqueue(context.Background(), notify.Notification{StackName: "acme"})

	assert.Zero(t, notifier.calls)
	assert.Equal(t, 1.0, count(eventDeploySucceeded, "dropped"))
}
