// Package local connects several grid nodes living in one process.
package local

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send on a closed endpoint.
var ErrClosed = errors.New("local transport: endpoint closed")

// Bus routes messages between registered endpoints.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// Endpoint registers name on the bus and returns its transport. Registering
// an existing name replaces the previous endpoint.
func (b *Bus) Endpoint(name string) *Endpoint {
	e := &Endpoint{bus: b, name: name, signal: make(chan struct{}, 1)}
	b.mu.Lock()
	b.endpoints[name] = e
	b.mu.Unlock()
	return e
}

// Disconnect removes name from the bus; messages to it are dropped from then on.
func (b *Bus) Disconnect(name string) {
	b.mu.Lock()
	delete(b.endpoints, name)
	b.mu.Unlock()
}

func (b *Bus) route(from, to string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if to != "" {
		if e, ok := b.endpoints[to]; ok {
			e.push(data)
		}
		return
	}
	for name, e := range b.endpoints {
		if name != from {
			e.push(data)
		}
	}
}

// Endpoint is one node's view of the bus. Its mailbox is unbounded so a
// handler that sends while receiving never deadlocks a peer.
type Endpoint struct {
	bus    *Bus
	name   string
	mu     sync.Mutex
	inbox  [][]byte
	closed bool
	signal chan struct{}
}

// Name returns the node name the endpoint was registered under.
func (e *Endpoint) Name() string { return e.name }

// Send routes data to the named endpoint, or to every other endpoint when to
// is empty.
func (e *Endpoint) Send(_ context.Context, to string, data []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.bus.route(e.name, to, data)
	return nil
}

// Receive delivers inbound messages in arrival order until ctx ends.
func (e *Endpoint) Receive(ctx context.Context, fn func(data []byte)) error {
	for {
		e.mu.Lock()
		batch := e.inbox
		e.inbox = nil
		e.mu.Unlock()
		for _, data := range batch {
			if ctx.Err() != nil {
				return nil
			}
			fn(data)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.signal:
		}
	}
}

// Close detaches the endpoint from the bus.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.inbox = nil
	e.mu.Unlock()
	e.bus.mu.Lock()
	if e.bus.endpoints[e.name] == e {
		delete(e.bus.endpoints, e.name)
	}
	e.bus.mu.Unlock()
	return nil
}

func (e *Endpoint) push(data []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.inbox = append(e.inbox, bytes.Clone(data))
	e.mu.Unlock()
	select {
	case e.signal <- struct{}{}:
	default:
	}
}
