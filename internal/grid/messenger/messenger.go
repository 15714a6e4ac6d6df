// Package messenger delivers typed payloads between grid nodes and implements
// the acknowledgement protocol used for reliable hand-offs.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
)

var (
	// ErrAckTimeout fails a pending ack that outlived Config.AckTimeout.
	ErrAckTimeout = errors.New("messenger: ack timeout")
	// ErrClosed fails sends and pending acks after Close.
	ErrClosed = errors.New("messenger: closed")
)

const (
	defaultAckTimeout    = 5 * time.Minute
	defaultSweepInterval = time.Second
)

// Config tunes the ack protocol.
type Config struct {
	AckTimeout    time.Duration
	SweepInterval time.Duration
}

// Handler consumes a payload addressed to a task name. Returning nil accepts
// ownership of the message and triggers the ack when one was requested, so
// handlers doing long work should hand it off and return.
type Handler func(ctx context.Context, from string, payload Payload) error

// Messenger sends and receives envelopes for one node.
type Messenger struct {
	self      string
	transport Transport
	codec     *Codec
	cfg       Config
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*Pending
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Messenger for node self. clock, ids and logger may be nil.
func New(
	self string,
	transport Transport,
	codec *Codec,
	cfg Config,
	clock Clock,
	ids IDGenerator,
	logger *zap.Logger,
) *Messenger {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if codec == nil {
		codec = NewCodec()
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{
		self:      self,
		transport: transport,
		codec:     codec,
		cfg:       cfg,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		handlers:  make(map[string]Handler),
		pending:   make(map[string]*Pending),
	}
}

// Self returns the local node name.
func (m *Messenger) Self() string { return m.self }

// Codec exposes the payload table so components can register their types.
func (m *Messenger) Codec() *Codec { return m.codec }

// Start launches the receive loop and the pending-ack janitor.
func (m *Messenger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		err := m.transport.Receive(ctx, func(data []byte) { m.deliver(ctx, data) })
		if err != nil && ctx.Err() == nil {
			m.logger.Error("transport receive stopped", zap.Error(err))
		}
	}()
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Listen registers the handler for taskName, replacing any previous one.
func (m *Messenger) Listen(taskName string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskName] = h
}

// Send broadcasts payload to every other node.
func (m *Messenger) Send(ctx context.Context, taskName string, payload Payload) error {
	return m.send(ctx, Envelope{TaskName: taskName}, payload)
}

// SendTo delivers payload to dest without waiting for an ack.
func (m *Messenger) SendTo(ctx context.Context, dest, taskName string, payload Payload) error {
	return m.send(ctx, Envelope{To: dest, TaskName: taskName}, payload)
}

// SendAndAwaitAck broadcasts payload; the returned Pending completes on the
// first ack from any node.
func (m *Messenger) SendAndAwaitAck(ctx context.Context, taskName string, payload Payload) (*Pending, error) {
	return m.sendWithAck(ctx, "", taskName, payload)
}

// SendToAndAwaitAck delivers payload to dest; the returned Pending completes
// when dest acknowledges it or fails with ErrAckTimeout.
func (m *Messenger) SendToAndAwaitAck(ctx context.Context, dest, taskName string, payload Payload) (*Pending, error) {
	return m.sendWithAck(ctx, dest, taskName, payload)
}

// PendingCount returns the number of outstanding acks.
func (m *Messenger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops receiving and fails every outstanding ack.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[string]*Pending)
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	for _, p := range pending {
		p.complete(ErrClosed)
	}
	return nil
}

func (m *Messenger) sendWithAck(ctx context.Context, dest, taskName string, payload Payload) (*Pending, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("ack id: %w", err)
	}
	p := newPending(id, m.clock.Now())
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.pending[id] = p
	m.mu.Unlock()

	if err := m.send(ctx, Envelope{To: dest, TaskName: taskName, AckID: id}, payload); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, err
	}
	return p, nil
}

func (m *Messenger) send(ctx context.Context, env Envelope, payload Payload) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	typ, body, err := m.codec.Encode(payload)
	if err != nil {
		return err
	}
	env.From = m.self
	env.PayloadType = typ
	env.Payload = body
	data, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := m.transport.Send(ctx, env.To, data); err != nil {
		return fmt.Errorf("send %s to %q: %w", env.TaskName, env.To, err)
	}
	return nil
}

func (m *Messenger) deliver(ctx context.Context, data []byte) {
	m.sweep()
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		m.logger.Warn("dropping undecodable envelope", zap.Error(err))
		return
	}
	if env.From == m.self || (env.To != "" && env.To != m.self) {
		return
	}
	if env.IsAck {
		m.resolve(env.AckID)
		return
	}
	m.mu.Lock()
	h, ok := m.handlers[env.TaskName]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("no listener for task", zap.String("task", env.TaskName), zap.String("from", env.From))
		return
	}
	payload, err := m.codec.Decode(env.PayloadType, env.Payload)
	if err != nil {
		m.logger.Warn("dropping envelope with bad payload",
			zap.String("task", env.TaskName), zap.String("from", env.From), zap.Error(err))
		return
	}
	if err := h(ctx, env.From, payload); err != nil {
		m.logger.Warn("listener rejected message",
			zap.String("task", env.TaskName), zap.String("from", env.From), zap.Error(err))
		return
	}
	if env.AckID == "" {
		return
	}
	ack := Envelope{From: m.self, To: env.From, TaskName: env.TaskName, AckID: env.AckID, IsAck: true}
	raw, err := MarshalEnvelope(ack)
	if err != nil {
		m.logger.Error("encode ack", zap.Error(err))
		return
	}
	if err := m.transport.Send(ctx, env.From, raw); err != nil {
		m.logger.Warn("send ack failed", zap.String("to", env.From), zap.String("ack_id", env.AckID), zap.Error(err))
	}
}

func (m *Messenger) resolve(id string) {
	m.mu.Lock()
	p, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if ok {
		p.complete(nil)
	}
}

// sweep fails pending acks older than the timeout. It runs on every inbound
// envelope and from the janitor ticker.
func (m *Messenger) sweep() {
	now := m.clock.Now()
	var expired []*Pending
	m.mu.Lock()
	for id, p := range m.pending {
		if now.Sub(p.created) >= m.cfg.AckTimeout {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()
	for _, p := range expired {
		p.complete(fmt.Errorf("ack %s after %s: %w", p.id, m.cfg.AckTimeout, ErrAckTimeout))
	}
}
