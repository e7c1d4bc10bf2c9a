package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/queue"
)

type MockSchedulerRepository struct {
	mock.Mock
}

func (m *MockSchedulerRepository) CreateTask(ctx context.Context, task *queue.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockSchedulerRepository) GetPendingTaskByName(ctx context.Context, taskName string) (*queue.Task, error) {
	args := m.Called(ctx, taskName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Task), args.Error(1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_AddTask(t *testing.T) {
	t.Parallel()

	_, err := queue.NewScheduler(nil, time.Second, nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)

	tests := []struct {
		name    string
		task    queue.Periodic
		wantErr error
	}{
		{name: "valid", task: queue.Periodic{Name: "sweep", Schedule: queue.Every(time.Minute)}},
		{name: "duplicate", task: queue.Periodic{Name: "sweep", Schedule: queue.Every(time.Hour)}, wantErr: queue.ErrTaskAlreadyRegistered},
		{name: "no name", task: queue.Periodic{Schedule: queue.Every(time.Minute)}, wantErr: queue.ErrTaskNameEmpty},
		{name: "no schedule", task: queue.Periodic{Name: "broken"}, wantErr: queue.ErrInvalidSchedule},
		{name: "priority out of range", task: queue.Periodic{Name: "loud", Schedule: queue.Every(time.Minute), Priority: -1}, wantErr: queue.ErrInvalidPriority},
	}

	// Cases share one scheduler so the duplicate is seen; run them in order.
	s, err := queue.NewScheduler(newMemoryStorage(t), time.Second, quietLogger())
	require.NoError(t, err)
	for _, tt := range tests {
		err := s.AddTask(tt.task)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, tt.name)
			continue
		}
		assert.NoError(t, err, tt.name)
	}
}

func TestScheduler_StartWithoutTasks(t *testing.T) {
	t.Parallel()

	s, err := queue.NewScheduler(newMemoryStorage(t), 0, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Start(context.Background()), queue.ErrSchedulerNotConfigured)
}

func TestScheduler_CheckTasks(t *testing.T) {
	t.Parallel()

	daily, err := queue.Cron("0 8 * * *")
	require.NoError(t, err)

	t.Run("creates one pending instance", func(t *testing.T) {
		t.Parallel()
		storage := newMemoryStorage(t)
		s, err := queue.NewScheduler(storage, time.Second, quietLogger())
		require.NoError(t, err)
		require.NoError(t, s.AddTask(queue.Periodic{
			Name:     "sweep",
			Schedule: queue.Every(time.Hour),
			Queue:    "maintenance",
			Priority: queue.PriorityHigh,
		}))

		ctx := context.Background()
		s.CheckTasks(ctx)
		s.CheckTasks(ctx)

		assert.Equal(t, 1, storage.Count(queue.StatusPending))
		task, err := storage.GetPendingTaskByName(ctx, "sweep")
		require.NoError(t, err)
		assert.Equal(t, "maintenance", task.Queue)
		assert.Equal(t, queue.PriorityHigh, task.Priority)
		assert.Equal(t, int8(3), task.MaxRetries)
		assert.Equal(t, queue.KindPeriodic, task.Kind)
		assert.Empty(t, task.Payload)
	})

	t.Run("zero fields take defaults", func(t *testing.T) {
		t.Parallel()
		storage := newMemoryStorage(t)
		s, _ := queue.NewScheduler(storage, time.Second, quietLogger())
		require.NoError(t, s.AddTask(queue.Periodic{Name: "digest", Schedule: daily}))
		s.CheckTasks(context.Background())

		task, err := storage.GetPendingTaskByName(context.Background(), "digest")
		require.NoError(t, err)
		assert.Equal(t, queue.DefaultQueueName, task.Queue)
		assert.Equal(t, queue.PriorityDefault, task.Priority)
	})

	t.Run("reuses existing pending task", func(t *testing.T) {
		t.Parallel()
		repo := &MockSchedulerRepository{}
		existing := &queue.Task{TaskName: "digest", ScheduledAt: time.Now().Add(time.Hour)}
		repo.On("GetPendingTaskByName", mock.Anything, "digest").Return(existing, nil)

		s, _ := queue.NewScheduler(repo, time.Second, quietLogger())
		require.NoError(t, s.AddTask(queue.Periodic{Name: "digest", Schedule: daily}))
		s.CheckTasks(context.Background())

		repo.AssertNotCalled(t, "CreateTask", mock.Anything, mock.Anything)
	})

	t.Run("storage lookup failure skips creation", func(t *testing.T) {
		t.Parallel()
		repo := &MockSchedulerRepository{}
		repo.On("GetPendingTaskByName", mock.Anything, "digest").Return(nil, errors.New("db down"))

		s, _ := queue.NewScheduler(repo, time.Second, quietLogger())
		require.NoError(t, s.AddTask(queue.Periodic{Name: "digest", Schedule: daily}))
		s.CheckTasks(context.Background())

		repo.AssertNotCalled(t, "CreateTask", mock.Anything, mock.Anything)
	})
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, _ := queue.NewScheduler(newMemoryStorage(t), 10*time.Millisecond, quietLogger())
	require.NoError(t, s.AddTask(queue.Periodic{Name: "sweep", Schedule: queue.Every(time.Minute)}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx)() }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
