package events

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case models.JobEvent:
			logEvent = logEvent.Str("job_id", payload.JobID).Str("status", string(payload.Status))
			if payload.Error != "" {
				logEvent = logEvent.Str("error", payload.Error)
			}
		case map[string]interface{}:
			for key, value := range payload {
				logEvent = logEvent.Interface(key, value)
			}
		}

		logEvent.Msg("Event published")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	if err := SubscribeAll(eventService, NewLoggerSubscriber(logger)); err != nil {
		return err
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
