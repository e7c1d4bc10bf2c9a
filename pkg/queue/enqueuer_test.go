package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/queue"
)

type mockEnqueuerRepo struct {
	createFunc func(ctx context.Context, task *queue.Task) error
	tasks      []*queue.Task
}

func (m *mockEnqueuerRepo) CreateTask(ctx context.Context, task *queue.Task) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, task)
	}
	m.tasks = append(m.tasks, task)
	return nil
}

type deliverPayload struct {
	DeliveryID string `json:"delivery_id"`
}

func TestNewEnqueuer(t *testing.T) {
	t.Parallel()

	_, err := queue.NewEnqueuer(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)

	enq, err := queue.NewEnqueuer(&mockEnqueuerRepo{})
	require.NoError(t, err)
	assert.NotNil(t, enq)
}

func TestEnqueuer_EnqueueTask(t *testing.T) {
	t.Parallel()

	t.Run("builds a pending one-time task", func(t *testing.T) {
		t.Parallel()
		repo := &mockEnqueuerRepo{}
		enq, err := queue.NewEnqueuer(repo)
		require.NoError(t, err)

		payload, _ := json.Marshal(deliverPayload{DeliveryID: "d-1"})
		id, err := enq.EnqueueTask(context.Background(), "deliver.email", payload, nil)
		require.NoError(t, err)
		require.Len(t, repo.tasks, 1)

		task := repo.tasks[0]
		assert.Equal(t, task.ID.String(), id)
		assert.Equal(t, "deliver.email", task.TaskName)
		assert.Equal(t, queue.DefaultQueueName, task.Queue)
		assert.Equal(t, queue.StatusPending, task.Status)
		assert.Equal(t, queue.KindOneTime, task.Kind)
		assert.Equal(t, queue.PriorityDefault, task.Priority)
		assert.Equal(t, int8(3), task.MaxRetries)
		assert.Equal(t, task.CreatedAt, task.ScheduledAt)
		assert.JSONEq(t, `{"delivery_id":"d-1"}`, string(task.Payload))
	})

	t.Run("routes by task name", func(t *testing.T) {
		t.Parallel()
		repo := &mockEnqueuerRepo{}
		enq, _ := queue.NewEnqueuer(repo,
			queue.WithDefaultQueue("maintenance"),
			queue.WithRoute("deliver.email", "email"),
			queue.WithRoute("deliver.webhook", "webhook"),
		)

		ctx := context.Background()
		for _, name := range []string{"deliver.email", "deliver.webhook", "sweep"} {
			_, err := enq.EnqueueTask(ctx, name, []byte(`{}`), nil)
			require.NoError(t, err)
		}

		require.Len(t, repo.tasks, 3)
		assert.Equal(t, "email", repo.tasks[0].Queue)
		assert.Equal(t, "webhook", repo.tasks[1].Queue)
		assert.Equal(t, "maintenance", repo.tasks[2].Queue)
	})

	t.Run("max retries", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name string
			n    int8
			want int8
		}{
			{name: "custom", n: 5, want: 5},
			{name: "zero keeps default", n: 0, want: 3},
			{name: "above cap keeps default", n: 11, want: 3},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				repo := &mockEnqueuerRepo{}
				enq, _ := queue.NewEnqueuer(repo, queue.WithMaxRetries(tt.n))
				_, err := enq.EnqueueTask(context.Background(), "deliver.email", nil, nil)
				require.NoError(t, err)
				assert.Equal(t, tt.want, repo.tasks[0].MaxRetries)
			})
		}
	})

	t.Run("not before delays the task", func(t *testing.T) {
		t.Parallel()
		repo := &mockEnqueuerRepo{}
		enq, _ := queue.NewEnqueuer(repo)

		at := time.Date(2030, 1, 1, 7, 0, 0, 0, time.UTC)
		_, err := enq.EnqueueTask(context.Background(), "deliver.email", []byte(`{}`), &at)
		require.NoError(t, err)
		assert.Equal(t, at, repo.tasks[0].ScheduledAt)
		assert.False(t, repo.tasks[0].IsReady(at.Add(-time.Second)))
		assert.True(t, repo.tasks[0].IsReady(at))
	})

	t.Run("empty task name", func(t *testing.T) {
		t.Parallel()
		enq, _ := queue.NewEnqueuer(&mockEnqueuerRepo{})
		_, err := enq.EnqueueTask(context.Background(), "", nil, nil)
		assert.ErrorIs(t, err, queue.ErrTaskNameEmpty)
	})

	t.Run("storage error is wrapped", func(t *testing.T) {
		t.Parallel()
		errDown := errors.New("db down")
		repo := &mockEnqueuerRepo{createFunc: func(context.Context, *queue.Task) error { return errDown }}
		enq, _ := queue.NewEnqueuer(repo)

		id, err := enq.EnqueueTask(context.Background(), "deliver.email", nil, nil)
		assert.ErrorIs(t, err, errDown)
		assert.Empty(t, id)
	})
}
