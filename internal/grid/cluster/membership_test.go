package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/grid/storage/memory"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFirstJoinedNodeCoordinates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	cfg := Config{HeartbeatInterval: time.Hour, NodeTimeout: time.Minute}

	var roles []Role
	for _, name := range []string{"node-b", "node-a", "node-c"} {
		m, err := New(backend, name, cfg, clock, nil)
		require.NoError(t, err)
		role, err := m.Join(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Leave(ctx) })
		roles = append(roles, role)
		clock.advance(time.Second)
	}
	assert.Equal(t, []Role{Coordinator, Member, Member}, roles)

	observer, err := New(backend, "observer", cfg, clock, nil)
	require.NoError(t, err)
	members, err := observer.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, members)
	coordinator, err := observer.Coordinator(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-b", coordinator)
}

func TestStaleNodesAreNotLive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	cfg := Config{HeartbeatInterval: time.Hour, NodeTimeout: 10 * time.Second}

	old, err := New(backend, "old", cfg, clock, nil)
	require.NoError(t, err)
	_, err = old.Join(ctx)
	require.NoError(t, err)
	defer old.Leave(ctx) //nolint:errcheck // test cleanup

	clock.advance(time.Minute)
	fresh, err := New(backend, "fresh", cfg, clock, nil)
	require.NoError(t, err)
	role, err := fresh.Join(ctx)
	require.NoError(t, err)
	defer fresh.Leave(ctx) //nolint:errcheck // test cleanup

	assert.Equal(t, Coordinator, role)
	members, err := fresh.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestLeaveRemovesNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	m, err := New(backend, "solo", Config{HeartbeatInterval: 5 * time.Millisecond}, clock, nil)
	require.NoError(t, err)
	_, err = m.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, "coordinator", m.Role().String())

	require.NoError(t, m.Leave(ctx))
	members, err := m.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}
