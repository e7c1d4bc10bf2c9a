// Package queue provides a storage-agnostic task queue with immediate, delayed,
// and periodic execution.
//
// The package is organised around three components:
//
//   - Enqueuer   adds one-time tasks, routing task names to queues
//   - Scheduler  turns Periodic definitions (intervals or cron) into tasks
//   - Worker     claims ready tasks from its queues and runs the registered Handler
//
// Components only talk to storage through the EnqueuerRepository,
// SchedulerRepository and WorkerRepository interfaces. MemoryStorage implements
// all three for tests and single-process deployments; package pgqueue provides
// a PostgreSQL implementation.
//
// # Usage
//
//	enq, _ := queue.NewEnqueuer(storage,
//	    queue.WithRoute("notifications.deliver.email", "notifications.email"),
//	)
//	id, err := enq.EnqueueTask(ctx, "notifications.deliver.email", payload, nil)
//
//	cfg := queueConfig.Worker("notifications.email")
//	cfg.Concurrency, cfg.RatePerSecond = 4, 10
//	w, _ := queue.NewWorker(storage, cfg)
//	_ = w.Register(queue.JSONHandler("notifications.deliver.email", handle))
//
//	daily, _ := queue.Cron("0 8 * * *")
//	s, _ := queue.NewScheduler(storage, 15*time.Second, log)
//	_ = s.AddTask(queue.Periodic{Name: "notifications.digest.daily", Schedule: daily})
//
// Queue-level retries use the task's MaxRetries; tasks that exhaust them, or that
// have no registered handler, are moved to the dead letter queue.
package queue
