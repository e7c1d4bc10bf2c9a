package notifications

import (
	"context"
	"encoding/json"
	"time"
)

// TaskQueue executes a payload no earlier than notBefore, at least once.
type TaskQueue interface {
	EnqueueTask(ctx context.Context, taskName string, payload []byte, notBefore *time.Time) (string, error)
}

// DeliveryTask is the payload of a channel delivery task.
type DeliveryTask struct {
	DeliveryID string `json:"delivery_id"`
}

// Task names of the periodic jobs.
const (
	TaskRetrySweep   = "notifications.retry_sweep"
	TaskDigestDaily  = "notifications.digest_daily"
	TaskDigestWeekly = "notifications.digest_weekly"
	TaskCleanup      = "notifications.cleanup"
)

// TaskName is the task that attempts deliveries on ch.
func TaskName(ch Channel) string {
	return "notifications.deliver." + string(ch)
}

// QueueName is the queue whose workers serve ch. Each channel has its own
// queue so a slow transport cannot starve the others.
func QueueName(ch Channel) string {
	return "notifications." + string(ch)
}

func enqueueDelivery(ctx context.Context, q TaskQueue, d Delivery) (string, error) {
	payload, err := json.Marshal(DeliveryTask{DeliveryID: d.ID})
	if err != nil {
		return "", err
	}
	return q.EnqueueTask(ctx, TaskName(d.Channel), payload, nil)
}
