package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventJobsEnqueued   EventType = "jobs_enqueued"
	EventJobClaimed     EventType = "job_claimed"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventQueuePaused    EventType = "queue_paused"
	EventQueueResumed   EventType = "queue_resumed"
	EventQueueCleared   EventType = "queue_cleared"
	EventConcurrencySet EventType = "concurrency_set"
)

// AllEventTypes lists every event type published by the queue
var AllEventTypes = []EventType{
	EventJobsEnqueued,
	EventJobClaimed,
	EventJobCompleted,
	EventJobFailed,
	EventQueuePaused,
	EventQueueResumed,
	EventQueueCleared,
	EventConcurrencySet,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
