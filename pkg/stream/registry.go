// Package stream holds the live push channels and the events sent on them.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	return NewEventAt(eventType, time.Now(), data)
}

func NewEventAt(eventType string, at time.Time, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: at.UTC().Format(time.RFC3339Nano), Data: raw}
}

// Channel is one connected client.
type Channel interface {
	ID() string
	// Open reports whether the peer is still believed connected.
	Open() bool
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Registry is the set of live channels, safe for concurrent insert, removal
// and iteration.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]Channel{}}
}

func (r *Registry) Add(ch Channel) {
	r.mu.Lock()
	r.channels[ch.ID()] = ch
	r.mu.Unlock()
}

// Remove deletes the channel with id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Snapshot copies the current members so callers can iterate without
// holding the lock while writing to the network.
func (r *Registry) Snapshot() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.channels = map[string]Channel{}
	return out
}
