// Package events allows collaborators to register for and receive engine
// notifications. The set of event kinds is closed so consumers can match
// exhaustively instead of parsing dynamic message names.
package events

import (
	"fmt"
	"sync"
)

// Kind represents the closed set of notifications the engine publishes.
type Kind int

// The different kinds of events published by the engine.
const (
	KindBlockAdded Kind = iota + 1
	KindInvalidBlock
	KindReorg
	KindCheckpoint
)

// String implements the fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindBlockAdded:
		return "block-added"
	case KindInvalidBlock:
		return "invalid-block"
	case KindReorg:
		return "reorg"
	case KindCheckpoint:
		return "checkpoint"
	}
	return "unknown"
}

// Event is a single engine notification. Fields beyond Kind, Height and
// Hash are populated only for the kinds that carry them.
type Event struct {
	Kind    Kind   `json:"kind"`
	Height  uint64 `json:"height"`
	Hash    string `json:"hash"`
	Reason  string `json:"reason,omitempty"`  // KindInvalidBlock
	Depth   uint64 `json:"depth,omitempty"`   // KindReorg
	OldTip  string `json:"old_tip,omitempty"` // KindReorg
	NewTip  string `json:"new_tip,omitempty"` // KindReorg
	Message string `json:"message,omitempty"`
}

// String implements the fmt.Stringer interface for logging.
func (e Event) String() string {
	return fmt.Sprintf("%s: height[%d] hash[%s]", e.Kind, e.Height, e.Hash)
}

// =============================================================================

// Events maintains a mapping of unique id and channels so goroutines
// can register and receive engine events.
type Events struct {
	m  map[string]chan Event
	mu sync.RWMutex
}

// New constructs an events value for registering and receiving events.
func New() *Events {
	return &Events{
		m: make(map[string]chan Event),
	}
}

// Shutdown closes and removes all channels that were provided by
// the call to Acquire.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, ch := range evt.m {
		delete(evt.m, id)
		close(ch)
	}
}

// Acquire takes a unique id and returns a channel that can be used
// to receive events.
func (evt *Events) Acquire(id string) chan Event {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if exists {
		return ch
	}

	// A send is dropped when the receiver is not keeping up. This buffer
	// gives a slow websocket receiver room before messages are lost.
	const eventBuffer = 100

	evt.m[id] = make(chan Event, eventBuffer)
	return evt.m[id]
}

// Release closes and removes the channel that was provided by
// the call to Acquire.
func (evt *Events) Release(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(evt.m, id)
	close(ch)
	return nil
}

// Send publishes an event to every registered channel. Send will not block
// waiting for a receiver on any given channel.
func (evt *Events) Send(e Event) {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	for _, ch := range evt.m {
		select {
		case ch <- e:
		default:
		}
	}
}
