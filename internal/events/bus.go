// Package events provides the in-process event bus modules publish to.
// Handlers run synchronously on the emitter's goroutine and must not block;
// anything slow belongs on the subscriber's own queue.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies the kind of event
type EventType string

// Event types emitted by the core
const (
	ArbOpportunityFound   EventType = "ARB_OPPORTUNITY_FOUND"
	ArbOpportunityUpdated EventType = "ARB_OPPORTUNITY_UPDATED"
	ArbOpportunityExpired EventType = "ARB_OPPORTUNITY_EXPIRED"
	PriceUpdated          EventType = "PRICE_UPDATED"
	PortfolioRefreshed    EventType = "PORTFOLIO_REFRESHED"
	TradesSynced          EventType = "TRADES_SYNCED"
	SnapshotCreated       EventType = "SNAPSHOT_CREATED"
	AlertTriggered        EventType = "ALERT_TRIGGERED"
	VenueStatusChanged    EventType = "VENUE_STATUS_CHANGED"
	BackupCompleted       EventType = "BACKUP_COMPLETED"
	JobStarted            EventType = "JOB_STARTED"
	JobCompleted          EventType = "JOB_COMPLETED"
	JobFailed             EventType = "JOB_FAILED"
)

// Event is what subscribers receive
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Module    string      `json:"module"`
	Data      interface{} `json:"data,omitempty"`
}

// Handler processes an event. Handlers must not block.
type Handler func(Event)

// Bus is a synchronous publish/subscribe hub. Subscribing is expected at
// wire-up time; Emit may be called from any goroutine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
	all         []Handler
	log         zerolog.Logger
}

// NewBus creates an event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Handler),
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for one event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Emit delivers an event to all matching handlers synchronously.
// A panicking handler is recovered and logged so one subscriber cannot take
// down the emitting loop.
func (b *Bus) Emit(eventType EventType, module string, data interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	}

	if b.log.GetLevel() <= zerolog.DebugLevel {
		if payload, err := json.Marshal(event.Data); err == nil {
			b.log.Debug().
				Str("event", string(eventType)).
				Str("module", module).
				RawJSON("data", payload).
				Msg("Event emitted")
		}
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[eventType])+len(b.all))
	handlers = append(handlers, b.subscribers[eventType]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(event, handler)
	}
}

func (b *Bus) dispatch(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
