// Package events fans pipeline events out to streaming clients.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	TypeCheckpoint = "checkpoint" // a graph node finished
	TypeChat       = "chat"       // a user or assistant message
	TypeStatus     = "status"     // service status
	TypeError      = "error"      // failed run
	TypeReminder   = "reminder"   // a reminder came due
)

// Event is one entry on the bus.
type Event struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Node    string `json:"node,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Expert  string `json:"expert,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	TS      string `json:"ts"`
}

// Marshal serializes an event, stamping it if needed.
func (e Event) Marshal() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, err := json.Marshal(e)
	if err != nil {
		// Data was not serializable; keep the envelope.
		e.Data = nil
		b, _ = json.Marshal(e)
	}
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// DefaultRecent is how many events new subscribers are replayed.
const DefaultRecent = 200

// Bus fans out events to subscribers. Subscribers that fall behind miss
// events rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// NewBus creates a bus keeping the last maxRecent events. Non-positive
// values use DefaultRecent.
func NewBus(maxRecent int) *Bus {
	if maxRecent <= 0 {
		maxRecent = DefaultRecent
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   maxRecent,
	}
}

// Publish sends e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
			// too slow; the replay buffer has it
		}
	}
}

// Subscribe registers a subscriber. The caller must Unsubscribe with the
// returned done channel.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns up to the last n events, oldest first. n <= 0 returns all.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
