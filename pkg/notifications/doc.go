// Package notifications is the alert delivery engine: it turns an Intent into
// per-recipient, per-channel Delivery records and drives each record through
// attempts until it is sent, exhausted, or skipped.
//
// # Pipeline
//
// Dispatcher.Dispatch runs in the caller. For every recipient it loads
// Preferences (DefaultPreferences when none are stored), applies the category
// and minimum-severity gate, claims the intent's dedup key in the
// SuppressionIndex, and inserts one pending record per enabled channel.
// Email and webhook records created inside the recipient's quiet hours carry
// NextAttemptAt set to the end of the window; everything else is enqueued on its
// channel's queue right away.
//
// Channel workers call Manager.Process with the delivery ID. The Manager moves
// the record through its state machine, persisting each step with an
// optimistic version check:
//
//	pending -> sending -> sent
//	                   -> failed -> pending    (transient, attempts left)
//	                             -> exhausted  (permanent, or out of attempts)
//	pending -> skipped
//
// RetryScheduler.Sweep runs every minute. It re-enqueues pending records whose
// NextAttemptAt has passed, whether they were backed off (Backoff: 5m doubling,
// capped at 60m) or deferred for quiet hours. It also recovers records whose
// enqueue was lost or whose worker died mid-attempt.
//
// DigestAggregator.RunDigests periodically mails each subscribed recipient a
// summary of unread in-app deliveries through the same email pipeline.
//
// # Idempotence
//
// Storage.InsertDelivery is a conditional insert on (intent, recipient,
// channel), so dispatching the same intent twice returns the existing records.
// Process ignores records that are terminal, in flight, or not yet due, so
// queue redelivery is harmless.
//
// # Senders
//
// InAppSender writes an InboxItem and publishes it on the live Feed.
// EmailSender sends through an email.Sender. WebhookSender calls a
// webhook.Client. Each reports an Outcome: Delivered, TransientFailure or
// PermanentFailure.
//
// # Storage
//
// MemoryStorage and MemorySuppressionIndex serve tests and single-process use.
// The pgstore and redisindex subpackages provide Postgres and Redis implementations.
package notifications
