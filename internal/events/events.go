// Package events provides an in-process event bus for the upload runtime.
// The queue publishes item state changes, the listing cache publishes listing
// completions, and the CLI subscribes for display.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	// Queue item events
	EventItemQueued    EventType = "item_queued"     // Item added to queue
	EventItemClaimed   EventType = "item_claimed"    // Worker claimed an item
	EventItemWaiting   EventType = "item_waiting"    // Item returned to the waiting pool (retry)
	EventItemDone      EventType = "item_done"       // Item finished successfully
	EventItemSkipped   EventType = "item_skipped"    // Item skipped by policy
	EventItemFailed    EventType = "item_failed"     // Item failed terminally
	EventItemNeedsUser EventType = "item_needs_user" // Item waiting for operator decision

	// Listing cache events
	EventListingFinished EventType = "listing_finished" // Target-path listing landed (ok or failed)

	// Worker events
	EventWorkerChanged EventType = "worker_changed" // Worker display state changed
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// ItemEvent represents queue item state transitions.
type ItemEvent struct {
	BaseEvent
	ItemUID  int    // Queue item UID
	Name     string // Source file name
	TgtName  string // Target file name (renamed name when autorename applied)
	Problem  string // Problem description, empty when none
	Detail   string // Free-text detail (server reply), may be empty
	WorkerID int    // Worker that produced the transition, 0 when none
}

// ListingEvent announces that a target-path listing finished.
// Workers parked in the wait-for-listing state re-enter their state
// machine when they receive it.
type ListingEvent struct {
	BaseEvent
	User string
	Host string
	Port int
	Path string
	// Failed reports that the listing attempt ended in an error.
	// The path may still be retried unless the cache marked it not accessible.
	Failed bool
}

// WorkerEvent signals that a worker's display state changed.
type WorkerEvent struct {
	BaseEvent
	WorkerID int
	State    string
}

// Bus manages event subscriptions and publishing.
type Bus struct {
	subscribers map[EventType][]chan Event
	all         []chan Event // Subscribers to all events
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
	dropped     atomic.Int64 // Count of events dropped due to full buffers
}

const (
	defaultBuffer = 1000
	maxBuffer     = 10000
)

// NewBus creates a new event bus with the specified buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	if bufferSize > maxBuffer {
		bufferSize = maxBuffer
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.all = append(b.all, ch)
	return ch
}

// Publish sends an event to all subscribers. Non-blocking: a subscriber
// with a full buffer loses the event rather than stalling a worker.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}

	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the event bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}
