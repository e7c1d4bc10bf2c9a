package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/queue"
)

func newTask(name, q string, priority queue.Priority, scheduledAt time.Time) *queue.Task {
	return &queue.Task{
		ID:          uuid.New(),
		Queue:       q,
		Kind:        queue.KindOneTime,
		TaskName:    name,
		Status:      queue.StatusPending,
		Priority:    priority,
		MaxRetries:  2,
		ScheduledAt: scheduledAt,
		CreatedAt:   time.Now(),
	}
}

func newMemoryStorage(t *testing.T, opts ...queue.MemoryStorageOption) *queue.MemoryStorage {
	t.Helper()
	s := queue.NewMemoryStorage(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStorage_ClaimOrdering(t *testing.T) {
	t.Parallel()
	s := newMemoryStorage(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	urgent := queue.Priority(100)

	low := newTask("a", "email", queue.PriorityLow, past)
	high := newTask("b", "email", queue.PriorityHigh, past)
	otherQueue := newTask("c", "webhook", urgent, past)
	future := newTask("d", "email", urgent, time.Now().Add(time.Hour))
	for _, task := range []*queue.Task{low, high, otherQueue, future} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	workerID := uuid.New()
	first, err := s.ClaimTask(ctx, workerID, []string{"email"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, queue.StatusProcessing, first.Status)
	assert.Equal(t, workerID, *first.LockedBy)

	second, err := s.ClaimTask(ctx, workerID, []string{"email"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	_, err = s.ClaimTask(ctx, workerID, []string{"email"}, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
}

func TestMemoryStorage_CompleteAndFail(t *testing.T) {
	t.Parallel()
	s := newMemoryStorage(t, queue.WithRetryBackoff(0))
	ctx := context.Background()

	task := newTask("a", "q", queue.PriorityDefault, time.Now().Add(-time.Second))
	require.NoError(t, s.CreateTask(ctx, task))

	assert.ErrorIs(t, s.CompleteTask(ctx, task.ID), queue.ErrTaskNotProcessing)
	assert.ErrorIs(t, s.CompleteTask(ctx, uuid.New()), queue.ErrTaskNotFound)

	_, err := s.ClaimTask(ctx, uuid.New(), []string{"q"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.FailTask(ctx, task.ID, "boom"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, int8(1), got.RetryCount)
	assert.Equal(t, "boom", *got.Error)

	_, err = s.ClaimTask(ctx, uuid.New(), []string{"q"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.FailTask(ctx, task.ID, "boom again"))

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 1, s.Count(queue.StatusFailed))

	require.NoError(t, s.MoveToDLQ(ctx, task.ID))
	dead := s.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].TaskID)
	assert.Equal(t, "boom again", dead[0].Error)
	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
}

func TestMemoryStorage_GetPendingTaskByName(t *testing.T) {
	t.Parallel()
	s := newMemoryStorage(t)
	ctx := context.Background()

	_, err := s.GetPendingTaskByName(ctx, "sweep")
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)

	task := newTask("sweep", "q", queue.PriorityDefault, time.Now())
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetPendingTaskByName(ctx, "sweep")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestMemoryStorage_ExpiredLockIsReleased(t *testing.T) {
	t.Parallel()
	s := newMemoryStorage(t)
	ctx := context.Background()

	task := newTask("a", "q", queue.PriorityDefault, time.Now().Add(-time.Second))
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimTask(ctx, uuid.New(), []string{"q"}, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := s.GetTask(ctx, task.ID)
		return err == nil && got.Status == queue.StatusPending
	}, 3*time.Second, 50*time.Millisecond)
}

func TestMemoryStorage_ErrorIsTruncated(t *testing.T) {
	t.Parallel()
	s := newMemoryStorage(t)
	ctx := context.Background()

	task := newTask("a", "q", queue.PriorityDefault, time.Now().Add(-time.Second))
	task.MaxRetries = 5
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimTask(ctx, uuid.New(), []string{"q"}, time.Minute)
	require.NoError(t, err)

	long := make([]byte, queue.MaxErrorLength+200)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, s.FailTask(ctx, task.ID, string(long)))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, *got.Error, queue.MaxErrorLength)
}
