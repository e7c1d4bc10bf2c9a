package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/internal/api"
	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

type taskList struct {
	mu  sync.Mutex
	ids []string
}

func (q *taskList) EnqueueTask(_ context.Context, _ string, payload []byte, _ *time.Time) (string, error) {
	var task notifications.DeliveryTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, task.DeliveryID)
	return task.DeliveryID, nil
}

type fixture struct {
	store   *notifications.MemoryStorage
	manager *notifications.Manager
	feed    *notifications.Feed
	queue   *taskList
	server  *httptest.Server
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()

	f := &fixture{
		store: notifications.NewMemoryStorage(),
		feed:  notifications.NewFeed(notifications.WithFeedLogger(logger.Noop())),
		queue: &taskList{},
	}
	t.Cleanup(func() { _ = f.feed.Close() })

	inApp, err := notifications.NewInAppSender(f.store, notifications.WithInAppPublisher(f.feed))
	require.NoError(t, err)

	f.manager, err = notifications.NewManager(f.store,
		notifications.WithSender(notifications.ChannelInApp, inApp),
		notifications.WithManagerLogger(logger.Noop()),
	)
	require.NoError(t, err)

	dispatcher, err := notifications.NewDispatcher(f.manager, notifications.NewMemorySuppressionIndex(), f.queue,
		notifications.WithDispatcherLogger(logger.Noop()),
	)
	require.NoError(t, err)

	digest, err := notifications.NewDigestAggregator(f.manager, f.queue, notifications.WithDigestLogger(logger.Noop()))
	require.NoError(t, err)

	opts = append([]api.Option{
		api.WithLogger(logger.Noop()),
		api.WithRegistry(prometheus.NewRegistry()),
		api.WithFeedHeartbeat(10 * time.Millisecond),
	}, opts...)
	f.server = httptest.NewServer(api.NewHandler(api.Services{
		Manager:    f.manager,
		Dispatcher: dispatcher,
		Digest:     digest,
		Feed:       f.feed,
	}, opts...))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (f *fixture) dispatch(t *testing.T, recipients ...string) []notifications.Delivery {
	t.Helper()

	resp, body := f.do(t, http.MethodPost, "/v1/intents", map[string]any{
		"intent": map[string]any{
			"source_ref": "alert:disk",
			"category":   "alerts",
			"title":      "Disk almost full",
			"body":       "db-1 at 97%",
			"severity":   "critical",
		},
		"recipients": recipients,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out struct {
		IntentID   string                   `json:"intent_id"`
		Deliveries []notifications.Delivery `json:"deliveries"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.IntentID)
	return out.Deliveries
}

func TestDispatchAndInbox(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	deliveries := f.dispatch(t, "u1", "u2")
	require.Len(t, deliveries, 2)
	assert.Equal(t, notifications.SeverityUrgent, deliveries[0].Payload.Severity)
	assert.Len(t, f.queue.ids, 2)

	for _, d := range deliveries {
		_, err := f.manager.Process(ctx, d.ID)
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/recipients/u1/inbox/unread-count", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":1}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/v1/recipients/u1/inbox?unread=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []notifications.InboxItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "Disk almost full", items[0].Title)

	resp, body = f.do(t, http.MethodPost, "/v1/recipients/u1/inbox/read", map[string]any{"ids": []string{items[0].ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":1}`, string(body))

	resp, body = f.do(t, http.MethodPost, "/v1/recipients/u1/inbox/unread", map[string]any{"ids": []string{items[0].ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":1}`, string(body))

	resp, body = f.do(t, http.MethodPost, "/v1/recipients/u1/inbox/read-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":1}`, string(body))

	resp, _ = f.do(t, http.MethodPost, "/v1/recipients/u1/inbox/read", map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{name: "malformed", body: "not an object", code: http.StatusBadRequest},
		{name: "no recipients", body: map[string]any{"intent": map[string]any{"title": "x"}}, code: http.StatusBadRequest},
		{
			name: "missing title",
			body: map[string]any{
				"intent":     map[string]any{"category": "alerts", "severity": "high"},
				"recipients": []string{"u1"},
			},
			code: http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, body := f.do(t, http.MethodPost, "/v1/intents", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode, string(body))
		})
	}

	resp, body := f.do(t, http.MethodPost, "/v1/intents", map[string]any{
		"intent":     map[string]any{"category": "alerts"},
		"recipients": []string{"u1"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var out struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "required", out.Fields["Title"])
}

func TestDeliveries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	deliveries := f.dispatch(t, "u1")
	require.Len(t, deliveries, 1)
	id := deliveries[0].ID

	resp, body := f.do(t, http.MethodGet, "/v1/deliveries/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got notifications.Delivery
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, notifications.StatePending, got.State)

	resp, body = f.do(t, http.MethodGet, "/v1/deliveries?recipient_id=u1&channel=in_app&state=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []notifications.Delivery
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/deliveries?channel=pigeon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/deliveries?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/v1/deliveries/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, notifications.StateSkipped, got.State)
	assert.Equal(t, notifications.SkipCancelled, got.SkipReason)

	resp, _ = f.do(t, http.MethodPost, "/v1/deliveries/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/deliveries/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatchNamesIntentWithoutDeliveries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		id     string
		wantID string
	}{
		{name: "caller supplied id", id: "intent-7", wantID: "intent-7"},
		{name: "generated id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			// Every channel off, so fan-out creates nothing.
			f.store.SetPreferences(notifications.Preferences{RecipientID: "u1"})

			resp, body := f.do(t, http.MethodPost, "/v1/intents", map[string]any{
				"intent": map[string]any{
					"id":       tt.id,
					"category": "alerts",
					"title":    "Disk almost full",
				},
				"recipients": []string{"u1"},
			})
			require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

			var out struct {
				IntentID   string                   `json:"intent_id"`
				Deliveries []notifications.Delivery `json:"deliveries"`
			}
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Empty(t, out.Deliveries)
			require.NotEmpty(t, out.IntentID)
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, out.IntentID)
			}

			saved, err := f.store.GetIntent(context.Background(), out.IntentID)
			require.NoError(t, err)
			assert.Equal(t, "Disk almost full", saved.Title)
		})
	}
}

func TestDigestPreview(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, d := range f.dispatch(t, "u1") {
		_, err := f.manager.Process(context.Background(), d.ID)
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/recipients/u1/digest?frequency=weekly", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batch notifications.DigestBatch
	require.NoError(t, json.Unmarshal(body, &batch))
	assert.Equal(t, notifications.FrequencyWeekly, batch.Frequency)
	assert.Len(t, batch.Items, 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/recipients/u1/digest?frequency=hourly", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/v1/recipients/u1/feed", nil)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.feed.Listeners("u1") == 1 }, time.Second, 5*time.Millisecond)

	for _, d := range f.dispatch(t, "u1") {
		_, err := f.manager.Process(context.Background(), d.ID)
		require.NoError(t, err)
	}

	events := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				events <- line
				return
			}
		}
	}()

	select {
	case data := <-events:
		var item notifications.InboxItem
		require.NoError(t, json.Unmarshal([]byte(data), &item))
		assert.Equal(t, "u1", item.RecipientID)
		assert.Equal(t, "Disk almost full", item.Title)
	case <-time.After(2 * time.Second):
		require.Fail(t, "no feed event received")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, api.WithReadinessChecks(httpserver.Check{
		Name: "postgres",
		Fn:   func(context.Context) error { return nil },
	}))

	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"alive"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ready","checks":{"postgres":"ok"}}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "notifykit_http_requests_total")
}
