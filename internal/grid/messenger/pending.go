package messenger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pending tracks one outstanding acknowledgement.
type Pending struct {
	id      string
	created time.Time
	done    chan struct{}
	once    sync.Once
	err     error
}

func newPending(id string, created time.Time) *Pending {
	return &Pending{id: id, created: created, done: make(chan struct{})}
}

// ID returns the ack id carried by the outgoing envelope.
func (p *Pending) ID() string { return p.id }

// Done is closed once the ack arrives or the wait fails.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the failure after Done is closed, nil on ack.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the ack arrives, the pending entry times out, or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return fmt.Errorf("await ack %s: %w", p.id, ctx.Err())
	}
}

func (p *Pending) complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
