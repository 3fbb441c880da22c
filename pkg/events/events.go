// Package events implements the internal change-record bus that feeds the
// subscription engine (C11). The host publishes a ChangeRecord here
// (cmd/docstore's instance.Publish) after a mutation commits; the
// collection package never publishes to it. The bus fans it out to every registered listener (normally a single
// subscription.Engine, but tests and tools can attach more).
package events

import (
	"sync"

	"github.com/cuemby/docstore/pkg/types"
)

// Listener receives a channel of committed changes.
type Listener chan *types.ChangeRecord

// Bus distributes committed ChangeRecords to every registered Listener.
// It never blocks the publisher: a slow or full listener drops the event
// rather than stall the collection engine that is publishing it.
type Bus struct {
	listeners map[Listener]bool
	mu        sync.RWMutex
	changeCh  chan *types.ChangeRecord
	stopCh    chan struct{}

	dropped int64
}

// NewBus creates a new change bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Listener]bool),
		changeCh:  make(chan *types.ChangeRecord, 256),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the bus's distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus. Listeners are not closed; callers that own a
// Listener's lifecycle should Unlisten before or after Stop.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Listen registers a new listener and returns its channel.
func (b *Bus) Listen() Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := make(Listener, 128)
	b.listeners[l] = true
	return l
}

// Unlisten removes a listener and closes its channel.
func (b *Bus) Unlisten(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.listeners, l)
	close(l)
}

// Publish hands a committed change to the bus for fan-out. Safe to call
// from any goroutine; never blocks past the bus's own internal buffer.
func (b *Bus) Publish(change *types.ChangeRecord) {
	select {
	case b.changeCh <- change:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case change := <-b.changeCh:
			b.broadcast(change)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(change *types.ChangeRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for l := range b.listeners {
		select {
		case l <- change:
		default:
			b.dropped++
		}
	}
}

// ListenerCount returns the number of currently registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Dropped returns the number of changes dropped because a listener's
// buffer was full at broadcast time.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
