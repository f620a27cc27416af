package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

// EventFilter determines if an event should be delivered to a subscriber.
type EventFilter func(event engine.Event) bool

// EventPublisher fans workflow events out to subscribers. It implements
// engine.EventPublisher. Publish never blocks: a subscriber whose buffer is
// full misses the event.
type EventPublisher struct {
	config EventsConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

type subscription struct {
	ch     chan engine.Event
	filter EventFilter
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) *EventPublisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().Events.BufferSize
	}
	return &EventPublisher{
		config: cfg,
		logger: logger.With().Str("component", "events").Logger(),
		subs:   make(map[uint64]*subscription),
	}
}

// Publish delivers an event to every matching subscriber.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.LogEvents {
		ep.log(event)
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return nil
	}

	for _, sub := range ep.subs {
		if sub.filter != nil && !sub.filter(*event) {
			continue
		}
		select {
		case sub.ch <- *event:
		default:
			ep.dropped.Add(1)
		}
	}
	return nil
}

func (ep *EventPublisher) log(event *engine.Event) {
	var e *zerolog.Event
	switch event.Level {
	case engine.EventLevelError:
		e = ep.logger.Error()
	case engine.EventLevelWarning:
		e = ep.logger.Warn()
	default:
		e = ep.logger.Info()
	}
	e = e.Str("event_type", string(event.Type))
	if event.InstanceID != "" {
		e = e.Str("instance_id", event.InstanceID)
	}
	if event.State != "" {
		e = e.Str("state", string(event.State))
	}
	if len(event.Data) > 0 {
		e = e.Fields(event.Data)
	}
	e.Msg(event.Message)
}

// Subscribe registers a subscriber and returns its channel and a function
// that unsubscribes and closes the channel.
func (ep *EventPublisher) Subscribe(filter EventFilter) (<-chan engine.Event, func()) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ch := make(chan engine.Event, ep.config.BufferSize)
	if ep.closed {
		close(ch)
		return ch, func() {}
	}

	id := ep.nextID
	ep.nextID++
	ep.subs[id] = &subscription{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ep.mu.Lock()
			defer ep.mu.Unlock()
			if sub, ok := ep.subs[id]; ok {
				delete(ep.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Dropped returns the number of deliveries skipped because a subscriber
// was full.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

// Shutdown closes every subscriber channel. Later publishes are still
// logged but not delivered.
func (ep *EventPublisher) Shutdown(_ context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return nil
	}
	ep.closed = true
	for id, sub := range ep.subs {
		close(sub.ch)
		delete(ep.subs, id)
	}
	return nil
}

// FilterByLevel allows events of the given level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		engine.EventLevelInfo:    0,
		engine.EventLevelWarning: 1,
		engine.EventLevelError:   2,
	}
	threshold := levels[minLevel]
	return func(event engine.Event) bool {
		return levels[event.Level] >= threshold
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByInstance allows events for one instance.
func FilterByInstance(instanceID string) EventFilter {
	return func(event engine.Event) bool {
		return event.InstanceID == instanceID
	}
}
