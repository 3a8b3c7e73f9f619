package events

import (
	"sync"
	"time"
)

// Event represents a generic event structure
type Event struct {
	Type      string
	Timestamp time.Time
	Data      interface{}
}

// FlFinishedEvent is published once per run when the pipeline reaches Finalize
type FlFinishedEvent struct {
	RunId       string
	ExitCode    int32
	ExitMessage string
}

// RoundFinishedEvent is published after each communication round
type RoundFinishedEvent struct {
	RunId     string
	Round     int
	Skipped   bool
	Evaluated bool
	Accuracy  float64
	Loss      float64
}

// EventBus represents the event bus that handles event subscription and dispatching
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
}

// NewEventBus creates a new instance of the event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe adds a new subscriber for a given event type
func (eb *EventBus) Subscribe(eventType string, subscriber chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// Publish sends an event to all subscribers of a given event type. Subscribers whose
// channel is full miss the event; publishers never block on a slow reader.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, subscriber := range eb.subscribers[event.Type] {
		select {
		case subscriber <- event:
		default:
		}
	}
}
