package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_ProcessesAndDrains(t *testing.T) {
	var processed atomic.Int64
	q := NewQueue[int](16, 2, 4, func(ctx context.Context, job int) error {
		processed.Add(1)
		return nil
	})
	q.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	require.NoError(t, q.Close(context.Background()))
	assert.EqualValues(t, 10, processed.Load())
	assert.ErrorIs(t, q.Enqueue(11), ErrQueueClosed)
}

func TestQueue_FullRejects(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	var once sync.Once

	q := NewQueue[int](1, 1, 1, func(ctx context.Context, job int) error {
		once.Do(started.Done)
		<-release
		return nil
	})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(1))
	started.Wait()
	require.NoError(t, q.Enqueue(2))
	assert.ErrorIs(t, q.Enqueue(3), ErrQueueFull)

	close(release)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_HandlerErrorsArePublished(t *testing.T) {
	boom := errors.New("boom")
	q := NewQueue[int](4, 1, 4, func(ctx context.Context, job int) error {
		return boom
	})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(1))

	select {
	case err := <-q.Errors():
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("expected an error on the channel")
	}
	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_ReportDropsWhenBufferFull(t *testing.T) {
	q := NewQueue[int](1, 1, 1, func(ctx context.Context, job int) error { return nil })

	q.Report(errors.New("first"))
	q.Report(errors.New("second"))
	assert.EqualValues(t, 1, q.DroppedErrors())
}

func TestQueue_CloseHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	q := NewQueue[int](2, 1, 1, func(ctx context.Context, job int) error {
		<-release
		return nil
	})
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
