package queue

import "errors"

var (
	// ErrRepositoryNil is returned when a nil repository is provided
	ErrRepositoryNil = errors.New("repository cannot be nil")

	// ErrTaskNameEmpty is returned when a task is enqueued or scheduled without a name
	ErrTaskNameEmpty = errors.New("task name cannot be empty")

	// ErrInvalidHandler is returned when registering a handler without a name or func
	ErrInvalidHandler = errors.New("handler needs a name and a func")

	// ErrInvalidPriority is returned when priority is outside valid range
	ErrInvalidPriority = errors.New("priority must be between 0 and 100")

	// ErrHandlerNotFound is returned when no handler is registered for a task
	ErrHandlerNotFound = errors.New("no handler registered for task type")

	// ErrNoHandlers is returned when worker has no handlers registered
	ErrNoHandlers = errors.New("no task handlers registered")

	// ErrNoTaskToClaim is returned by storages when no task is ready for the requested queues
	ErrNoTaskToClaim = errors.New("no task available to claim")

	// ErrTaskNotFound is returned when a task id is unknown to the storage
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotProcessing is returned when completing or failing a task that is not claimed
	ErrTaskNotProcessing = errors.New("task is not in processing state")

	// ErrInvalidSchedule is returned when schedule format is invalid
	ErrInvalidSchedule = errors.New("invalid schedule format")

	// ErrTaskAlreadyRegistered is returned when trying to register a duplicate task
	ErrTaskAlreadyRegistered = errors.New("task already registered")

	// ErrSchedulerNotConfigured is returned when scheduler has no tasks
	ErrSchedulerNotConfigured = errors.New("scheduler has no registered tasks")

	// ErrWorkerAlreadyStarted is returned by Start on a running worker
	ErrWorkerAlreadyStarted = errors.New("worker already started")

	// ErrWorkerNotStarted is returned by Stop on a worker that is not running
	ErrWorkerNotStarted = errors.New("worker not started")
)
