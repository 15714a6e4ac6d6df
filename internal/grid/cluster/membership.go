// Package cluster tracks live grid nodes in shared storage and decides which
// node coordinates.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
)

// NodesMap is the storage map holding node records.
const NodesMap = "grid.nodes"

const (
	defaultHeartbeatInterval = 2 * time.Second
	defaultNodeTimeout       = 10 * time.Second
)

// Role is fixed for a node when it joins.
type Role int

// Roles.
const (
	Member Role = iota
	Coordinator
)

func (r Role) String() string {
	if r == Coordinator {
		return "coordinator"
	}
	return "member"
}

// NodeRecord is the persisted presence of a node.
type NodeRecord struct {
	Name      string    `json:"name"`
	JoinedAt  time.Time `json:"joined_at"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Config tunes liveness detection.
type Config struct {
	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration
}

// Clock supplies heartbeat timestamps.
type Clock interface {
	Now() time.Time
}

// Membership registers one node and answers liveness queries.
type Membership struct {
	self   string
	nodes  *storage.Map[NodeRecord]
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu     sync.Mutex
	role   Role
	joined bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New prepares membership for node self on backend.
func New(backend storage.Backend, self string, cfg Config, clock Clock, logger *zap.Logger) (*Membership, error) {
	if self == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = defaultNodeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nodes, err := storage.MapOf[NodeRecord](backend, NodesMap)
	if err != nil {
		return nil, err
	}
	return &Membership{self: self, nodes: nodes, cfg: cfg, clock: clock, logger: logger}, nil
}

// Self returns the local node name.
func (m *Membership) Self() string { return m.self }

// Role returns the role resolved at Join.
func (m *Membership) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Join records the node, resolves its role and starts heartbeating.
func (m *Membership) Join(ctx context.Context) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joined {
		return m.role, nil
	}
	now := m.clock.Now()
	if err := m.nodes.Put(ctx, m.self, NodeRecord{Name: m.self, JoinedAt: now, Heartbeat: now}); err != nil {
		return Member, fmt.Errorf("register node %s: %w", m.self, err)
	}
	coordinator, err := m.Coordinator(ctx)
	if err != nil {
		return Member, err
	}
	if coordinator == m.self {
		m.role = Coordinator
	}
	m.joined = true

	hbCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.heartbeat(hbCtx)

	m.logger.Info("joined grid", zap.String("node", m.self), zap.Stringer("role", m.role))
	return m.role, nil
}

// Leave stops heartbeating and removes the node record.
func (m *Membership) Leave(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return nil
	}
	m.joined = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	if _, err := m.nodes.Delete(ctx, m.self); err != nil {
		return fmt.Errorf("unregister node %s: %w", m.self, err)
	}
	return nil
}

// Members lists live nodes ordered by name.
func (m *Membership) Members(ctx context.Context) ([]string, error) {
	live, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(live))
	for _, rec := range live {
		names = append(names, rec.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Coordinator returns the live node that joined first, ties broken by name.
func (m *Membership) Coordinator(ctx context.Context) (string, error) {
	live, err := m.live(ctx)
	if err != nil {
		return "", err
	}
	if len(live) == 0 {
		return "", fmt.Errorf("no live nodes")
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].JoinedAt.Equal(live[j].JoinedAt) {
			return live[i].Name < live[j].Name
		}
		return live[i].JoinedAt.Before(live[j].JoinedAt)
	})
	return live[0].Name, nil
}

func (m *Membership) live(ctx context.Context) ([]NodeRecord, error) {
	cutoff := m.clock.Now().Add(-m.cfg.NodeTimeout)
	var live []NodeRecord
	_, err := m.nodes.ForEach(ctx, func(_ string, rec NodeRecord) bool {
		if rec.Heartbeat.After(cutoff) {
			live = append(live, rec)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return live, nil
}

func (m *Membership) heartbeat(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.clock.Now()
			_, err := m.nodes.Update(ctx, m.self, func(rec NodeRecord, exists bool) NodeRecord {
				if !exists {
					rec = NodeRecord{Name: m.self, JoinedAt: now}
				}
				rec.Heartbeat = now
				return rec
			})
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("heartbeat failed", zap.String("node", m.self), zap.Error(err))
			}
		}
	}
}
