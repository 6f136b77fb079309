package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a progress notification emitted while a dataset is generated.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// RequestID is the generate call the event belongs to.
	RequestID string `json:"request_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the generator.
const (
	EventTypeGenerationStarted   = "generation.started"
	EventTypeGenerationCompleted = "generation.completed"
	EventTypeGenerationCancelled = "generation.cancelled"
	EventTypeGenerationFailed    = "generation.failed"
	EventTypeChunkCompleted      = "chunk.completed"
	EventTypeCacheEvicted        = "cache.evicted"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans generation events out to subscribers. Synchronous publishers
// deliver in publish order on the caller's goroutine; asynchronous publishers buffer
// and deliver in batches from a background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		if ep.config.MaxBatchSize <= 0 {
			ep.config.MaxBatchSize = 1
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishGenerationStarted publishes the start of a generate call.
func (ep *EventPublisher) PublishGenerationStarted(requestID, viewport string, chunks int) error {
	return ep.Publish(Event{
		Type:      EventTypeGenerationStarted,
		RequestID: requestID,
		Message:   fmt.Sprintf("Generating %s in %d chunks", viewport, chunks),
		Data: map[string]interface{}{
			"viewport": viewport,
			"chunks":   chunks,
		},
	})
}

// PublishChunkCompleted publishes the completion of one row chunk.
func (ep *EventPublisher) PublishChunkCompleted(requestID string, index, total int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeChunkCompleted,
		RequestID: requestID,
		Message:   fmt.Sprintf("Chunk %d of %d completed", index+1, total),
		Data: map[string]interface{}{
			"index":    index,
			"total":    total,
			"duration": duration.Seconds(),
		},
	})
}

// PublishGenerationCompleted publishes a successful generate call.
func (ep *EventPublisher) PublishGenerationCompleted(requestID, source string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeGenerationCompleted,
		RequestID: requestID,
		Message:   fmt.Sprintf("Generation %s completed from %s", requestID, source),
		Data: map[string]interface{}{
			"source":   source,
			"duration": duration.Seconds(),
		},
	})
}

// PublishGenerationCancelled publishes a generate call abandoned on cancellation.
func (ep *EventPublisher) PublishGenerationCancelled(requestID string) error {
	return ep.Publish(Event{
		Type:      EventTypeGenerationCancelled,
		RequestID: requestID,
		Message:   fmt.Sprintf("Generation %s cancelled", requestID),
		Level:     EventLevelWarning,
	})
}

// PublishGenerationFailed publishes a failed generate call.
func (ep *EventPublisher) PublishGenerationFailed(requestID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeGenerationFailed,
		RequestID: requestID,
		Message:   fmt.Sprintf("Generation %s failed: %s", requestID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishCacheEvicted publishes the removal of an unreadable artifact.
func (ep *EventPublisher) PublishCacheEvicted(requestID, key, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeCacheEvicted,
		RequestID: requestID,
		Message:   fmt.Sprintf("Evicted %s: %s", key, reason),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"key":    key,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRequestID creates a filter that only allows events of one generate call.
func FilterByRequestID(requestID string) EventFilter {
	return func(event Event) bool {
		return event.RequestID == requestID
	}
}
