package event

import "context"

// Sink consumes batches of events. Consume may be called concurrently with
// other sinks but never concurrently on the same sink.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Firer publishes single events. Hub implements it; Discard drops them.
type Firer interface {
	Fire(evt Event)
}

// Discard is a Firer that drops every event.
var Discard Firer = discard{}

type discard struct{}

func (discard) Fire(Event) {}
