package notifications_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

type queuedTask struct {
	Name       string
	DeliveryID string
	NotBefore  *time.Time
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []queuedTask
	err   error
}

func (q *recordingQueue) EnqueueTask(_ context.Context, taskName string, payload []byte, notBefore *time.Time) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return "", q.err
	}
	var task notifications.DeliveryTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return "", err
	}
	q.tasks = append(q.tasks, queuedTask{Name: taskName, DeliveryID: task.DeliveryID, NotBefore: notBefore})
	return task.DeliveryID, nil
}

func (q *recordingQueue) failWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// drain returns and forgets the queued tasks.
func (q *recordingQueue) drain() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedSender returns queued results in order, then Delivered.
type scriptedSender struct {
	mu       sync.Mutex
	results  []notifications.Outcome
	attempts []notifications.Delivery
}

func (s *scriptedSender) Attempt(_ context.Context, d notifications.Delivery) (notifications.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = append(s.attempts, d)
	outcome := notifications.Delivered
	if len(s.results) > 0 {
		outcome, s.results = s.results[0], s.results[1:]
	}
	res := notifications.Result{Outcome: outcome, Duration: time.Millisecond}
	switch outcome {
	case notifications.TransientFailure:
		res.StatusCode = 503
		return res, errors.New("service unavailable")
	case notifications.PermanentFailure:
		res.StatusCode = 404
		return res, errors.New("not found")
	}
	res.StatusCode = 200
	return res, nil
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

type harness struct {
	store      *notifications.MemoryStorage
	index      *notifications.MemorySuppressionIndex
	queue      *recordingQueue
	clock      *fakeClock
	senders    map[notifications.Channel]*scriptedSender
	manager    *notifications.Manager
	dispatcher *notifications.Dispatcher
	retry      *notifications.RetryScheduler
	digest     *notifications.DigestAggregator
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, dispatcherOpts ...notifications.DispatcherOption) *harness {
	t.Helper()

	h := &harness{
		store:   notifications.NewMemoryStorage(),
		index:   notifications.NewMemorySuppressionIndex(),
		queue:   &recordingQueue{},
		clock:   newClock(baseTime),
		senders: make(map[notifications.Channel]*scriptedSender),
	}

	managerOpts := []notifications.ManagerOption{
		notifications.WithManagerLogger(logger.Noop()),
		notifications.WithManagerClock(h.clock.Now),
	}
	for _, ch := range notifications.Channels() {
		s := &scriptedSender{}
		h.senders[ch] = s
		managerOpts = append(managerOpts, notifications.WithSender(ch, s))
	}

	var err error
	h.manager, err = notifications.NewManager(h.store, managerOpts...)
	require.NoError(t, err)

	opts := append([]notifications.DispatcherOption{
		notifications.WithDispatcherLogger(logger.Noop()),
		notifications.WithDispatcherClock(h.clock.Now),
	}, dispatcherOpts...)
	h.dispatcher, err = notifications.NewDispatcher(h.manager, h.index, h.queue, opts...)
	require.NoError(t, err)

	h.retry, err = notifications.NewRetryScheduler(h.manager, h.queue,
		notifications.WithSuppressionIndex(h.index),
		notifications.WithRetryLogger(logger.Noop()),
	)
	require.NoError(t, err)

	h.digest, err = notifications.NewDigestAggregator(h.manager, h.queue,
		notifications.WithDigestLogger(logger.Noop()),
		notifications.WithDigestClock(h.clock.Now),
	)
	require.NoError(t, err)

	return h
}

// runQueued processes every queued delivery once, like the channel workers would.
func (h *harness) runQueued(t *testing.T) []notifications.Delivery {
	t.Helper()

	var out []notifications.Delivery
	for _, task := range h.queue.drain() {
		d, err := h.manager.Process(context.Background(), task.DeliveryID)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func (h *harness) get(t *testing.T, id string) notifications.Delivery {
	t.Helper()
	d, err := h.store.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	return d
}

func alertIntent(id string) notifications.Intent {
	return notifications.Intent{
		ID:        id,
		SourceRef: "alert:" + id,
		Category:  notifications.CategoryAlerts,
		Title:     "Disk almost full",
		Body:      "db-1 at 97%",
		Severity:  notifications.SeverityHigh,
		DedupKey:  "alerts:disk:db-1",
	}
}

func allChannels(recipientID string) notifications.Preferences {
	return notifications.Preferences{
		RecipientID: recipientID,
		Channels: map[notifications.Channel]bool{
			notifications.ChannelInApp:   true,
			notifications.ChannelEmail:   true,
			notifications.ChannelWebhook: true,
		},
		Email:   recipientID + "@example.com",
		Webhook: &notifications.WebhookTarget{URL: "https://hooks.example.com/" + recipientID},
	}
}

func byChannel(ds []notifications.Delivery) map[notifications.Channel]notifications.Delivery {
	out := make(map[notifications.Channel]notifications.Delivery, len(ds))
	for _, d := range ds {
		out[d.Channel] = d
	}
	return out
}
