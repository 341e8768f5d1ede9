// Package notify fans out applied-block signals to subscribers.
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// defaultSignalBufferSize is the buffer size for block signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// BlockSignal announces a block applied to the state store
type BlockSignal struct {
	Height    uint64
	Committed int
	Truncated bool
	Keys      []string // State keys written by the block, sorted
}

// BlockFilter selects the blocks a subscriber is told about
type BlockFilter struct {
	// Keys are glob patterns; a block matches if it wrote a matching key.
	// Empty matches every block.
	Keys []string
}

// subscription represents a single subscriber.
type subscription struct {
	id       uint64
	patterns []glob.Glob
	ch       chan BlockSignal
	closed   atomic.Bool
}

// matches checks if the block wrote a key this subscription watches.
func (s *subscription) matches(keys []string) bool {
	if len(s.patterns) == 0 {
		return true
	}

	for _, k := range keys {
		for _, p := range s.patterns {
			if p.Match(k) {
				return true
			}
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for block signals.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new block notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a block signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(signal BlockSignal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(signal.Keys) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter BlockFilter) (<-chan BlockSignal, func(), error) {
	patterns := make([]glob.Glob, 0, len(filter.Keys))
	for _, k := range filter.Keys {
		g, err := glob.Compile(k)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid key pattern %q: %w", k, err)
		}
		patterns = append(patterns, g)
	}

	sub := &subscription{
		id:       h.nextID.Add(1),
		patterns: patterns,
		ch:       make(chan BlockSignal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel, nil
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}
