package messenger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/gridcrawler/internal/grid/messenger"
	"github.com/JakeFAU/gridcrawler/internal/grid/transport/local"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type greeting struct {
	Text string `msgpack:"text"`
}

func (*greeting) PayloadType() string { return "test.greeting" }

func newCodec() *messenger.Codec {
	c := messenger.NewCodec()
	c.Register(func() messenger.Payload { return &greeting{} })
	return c
}

func newNode(t *testing.T, bus *local.Bus, name string, cfg messenger.Config) *messenger.Messenger {
	t.Helper()
	m := messenger.New(name, bus.Endpoint(name), newCodec(), cfg, nil, nil, nil)
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type received struct {
	mu    sync.Mutex
	texts []string
	from  []string
}

func (r *received) handler(_ context.Context, from string, p messenger.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, p.(*greeting).Text)
	r.from = append(r.from, from)
	return nil
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func TestSendToDeliversToListener(t *testing.T) {
	bus := local.NewBus()
	a := newNode(t, bus, "a", messenger.Config{})
	b := newNode(t, bus, "b", messenger.Config{})
	c := newNode(t, bus, "c", messenger.Config{})

	var onB, onC received
	b.Listen("hello", onB.handler)
	c.Listen("hello", onC.handler)

	ctx := context.Background()
	require.NoError(t, a.SendTo(ctx, "b", "hello", &greeting{Text: "hi b"}))
	require.NoError(t, a.Send(ctx, "hello", &greeting{Text: "hi all"}))

	require.Eventually(t, func() bool { return onB.count() == 2 && onC.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hi b", "hi all"}, onB.texts)
	assert.Equal(t, []string{"a", "a"}, onB.from)
	assert.Equal(t, []string{"hi all"}, onC.texts)
}

func TestSendToAndAwaitAckCompletesOnAck(t *testing.T) {
	bus := local.NewBus()
	a := newNode(t, bus, "a", messenger.Config{})
	b := newNode(t, bus, "b", messenger.Config{})
	var onB received
	b.Listen("hello", onB.handler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := a.SendToAndAwaitAck(ctx, "b", "hello", &greeting{Text: "ack me"})
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, 1, onB.count())
	assert.Equal(t, 0, a.PendingCount())
}

func TestSendAndAwaitAckCompletesOnFirstAck(t *testing.T) {
	bus := local.NewBus()
	a := newNode(t, bus, "a", messenger.Config{})
	b := newNode(t, bus, "b", messenger.Config{})
	_ = newNode(t, bus, "c", messenger.Config{})
	var onB received
	b.Listen("hello", onB.handler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := a.SendAndAwaitAck(ctx, "hello", &greeting{Text: "anyone"})
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx))
}

func TestRejectedMessageIsNotAcked(t *testing.T) {
	bus := local.NewBus()
	cfg := messenger.Config{AckTimeout: 100 * time.Millisecond, SweepInterval: 10 * time.Millisecond}
	a := newNode(t, bus, "a", cfg)
	b := newNode(t, bus, "b", cfg)
	b.Listen("hello", func(context.Context, string, messenger.Payload) error {
		return errors.New("busy")
	})

	ctx := context.Background()
	p, err := a.SendToAndAwaitAck(ctx, "b", "hello", &greeting{Text: "x"})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Wait(ctx), messenger.ErrAckTimeout)
}

func TestAckTimeoutToUnreachablePeerIsBounded(t *testing.T) {
	bus := local.NewBus()
	timeout := 150 * time.Millisecond
	sweep := 10 * time.Millisecond
	a := newNode(t, bus, "a", messenger.Config{AckTimeout: timeout, SweepInterval: sweep})

	ctx := context.Background()
	start := time.Now()
	p, err := a.SendToAndAwaitAck(ctx, "nobody", "hello", &greeting{Text: "lost"})
	require.NoError(t, err)
	err = p.Wait(ctx)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, messenger.ErrAckTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+sweep+200*time.Millisecond)
	assert.Equal(t, 0, a.PendingCount())
}

func TestInboundTrafficSweepsExpiredAcks(t *testing.T) {
	bus := local.NewBus()
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	// A sweep interval far beyond the test keeps the janitor out of the way.
	cfg := messenger.Config{AckTimeout: time.Minute, SweepInterval: time.Hour}
	a := messenger.New("a", bus.Endpoint("a"), newCodec(), cfg, clock, nil, nil)
	a.Start(context.Background())
	defer a.Close()
	b := newNode(t, bus, "b", messenger.Config{})

	ctx := context.Background()
	p, err := a.SendToAndAwaitAck(ctx, "nobody", "hello", &greeting{Text: "lost"})
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	require.NoError(t, b.SendTo(ctx, "a", "unrelated", &greeting{Text: "ping"}))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.ErrorIs(t, p.Wait(waitCtx), messenger.ErrAckTimeout)
}

func TestCloseFailsPendingAcks(t *testing.T) {
	bus := local.NewBus()
	a := messenger.New("a", bus.Endpoint("a"), newCodec(), messenger.Config{}, nil, nil, nil)
	a.Start(context.Background())

	p, err := a.SendToAndAwaitAck(context.Background(), "nobody", "hello", &greeting{Text: "x"})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, p.Err(), messenger.ErrClosed)
	assert.ErrorIs(t, a.Send(context.Background(), "hello", &greeting{}), messenger.ErrClosed)
}

func TestCodecRejectsUnregisteredPayload(t *testing.T) {
	c := messenger.NewCodec()
	_, _, err := c.Encode(&greeting{Text: "x"})
	require.Error(t, err)
	_, err = c.Decode("test.greeting", nil)
	require.Error(t, err)

	c.Register(func() messenger.Payload { return &greeting{} })
	typ, data, err := c.Encode(&greeting{Text: "x"})
	require.NoError(t, err)
	p, err := c.Decode(typ, data)
	require.NoError(t, err)
	assert.Equal(t, "x", p.(*greeting).Text)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
