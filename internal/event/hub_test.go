package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Fire(Event{Name: DocumentProcessed, Reference: "a"})
	hub.Fire(Event{Name: DocumentProcessed, Reference: "b"})
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesPartialBatchAfterWait(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Fire(Event{Name: CrawlerStart})
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubStampsAndValidatesEvents(t *testing.T) {
	t.Parallel()

	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sink := newRecordingSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute, Now: func() time.Time { return stamp }}, sink)

	hub.Fire(Event{})
	hub.Fire(Event{Name: CrawlerEnd, Dur: -time.Second})
	hub.Fire(Event{Name: CrawlerEnd})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, stamp, batches[0][0].TS)
	assert.True(t, sink.closed)
}

func TestHubFireNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{cfg: Config{Now: time.Now}, events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	for i := 0; i < 100; i++ {
		hub.Fire(Event{Name: DocumentQueued})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(99), hub.dropped.Load())

	var nilHub *Hub
	nilHub.Fire(Event{Name: DocumentQueued})
	Discard.Fire(Event{Name: DocumentQueued})
}

func TestWithErrorRecordsMessage(t *testing.T) {
	t.Parallel()

	evt := Event{Name: RejectedError}.WithError(context.DeadlineExceeded)
	assert.Equal(t, "context deadline exceeded", evt.Error)
	assert.Empty(t, Event{Name: RejectedError}.WithError(nil).Error)
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}
