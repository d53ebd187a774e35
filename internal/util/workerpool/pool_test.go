package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2, QueueSize: 10, Logger: zap.NewNop()})

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{Key: "inc", Fn: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	require.NoError(t, p.Stop(5*time.Second))
	assert.Equal(t, int32(5), ran.Load())

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Submitted)
	assert.Equal(t, uint64(5), stats.Completed)
}

func TestPool_CountsFailuresAndPanics(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 10})

	require.NoError(t, p.Submit(Task{Key: "fail", Fn: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, p.Submit(Task{Key: "panic", Fn: func(context.Context) error { panic("kaboom") }}))
	require.NoError(t, p.Submit(Task{Key: "ok", Fn: func(context.Context) error { return nil }}))

	require.NoError(t, p.Stop(5*time.Second))
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestPool_RejectsWhenFull(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Key: "block", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.NoError(t, p.Submit(Task{Key: "queued", Fn: func(context.Context) error { return nil }}))
	err := p.Submit(Task{Key: "overflow", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.SubmitWait(ctx, Task{Key: "wait", Fn: func(context.Context) error { return nil }}), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop(5*time.Second))
	assert.Equal(t, uint64(2), p.Stats().Rejected)
}

func TestPool_StopDrainsAndRefuses(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 10})

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Task{Key: "slow", Fn: func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
			return nil
		}}))
	}

	require.NoError(t, p.Stop(5*time.Second))
	assert.Equal(t, int32(3), ran.Load())

	assert.ErrorIs(t, p.Submit(Task{Key: "late", Fn: func(context.Context) error { return nil }}), ErrStopped)
	assert.NoError(t, p.Stop(time.Second))
}

func TestPool_StopTimeoutCancelsTasks(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 1})

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Key: "stuck", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	<-started

	assert.Error(t, p.Stop(20*time.Millisecond))
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestPool_TaskTimeout(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 1, TaskTimeout: 10 * time.Millisecond})

	require.NoError(t, p.Submit(Task{Key: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.NoError(t, p.Stop(5*time.Second))
	assert.Equal(t, uint64(1), p.Stats().Failed)
}
