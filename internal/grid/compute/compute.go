// Package compute dispatches named tasks across grid nodes. The coordinator
// drives every run: ONE runs execute on the coordinator only, ALL runs fan a
// start message out to every live member and aggregate their results.
package compute

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/messenger"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
)

// ErrClosed resolves futures still outstanding when Close is called.
var ErrClosed = errors.New("compute: closed")

const (
	defaultMembershipCheck = time.Second
	defaultRetention       = time.Minute
)

// Config tunes run supervision.
type Config struct {
	// MembershipCheck is how often the coordinator drops departed members
	// from an in-flight ALL run.
	MembershipCheck time.Duration
	// Retention bounds how long early done notices and start requests for
	// unregistered tasks are buffered.
	Retention time.Duration
}

// Membership is the view of the grid compute needs.
type Membership interface {
	Self() string
	Role() cluster.Role
	Coordinator(ctx context.Context) (string, error)
	Members(ctx context.Context) ([]string, error)
}

// OnceMarker records the single completed execution of a ONCE task.
type OnceMarker struct {
	Node   string    `json:"node"`
	At     time.Time `json:"at"`
	Result any       `json:"result,omitempty"`
}

// MarkerName is the attribute holding the once marker of task.
func MarkerName(task string) string { return task + ".onceMarker" }

type bufferedDone struct {
	msg  doneMsg
	from string
	at   time.Time
}

type bufferedStart struct {
	msg  startMsg
	from string
	at   time.Time
}

// Compute is the per-node task dispatcher.
type Compute struct {
	self    string
	members Membership
	msgr    *messenger.Messenger
	backend storage.Backend
	cfg     Config
	clock   messenger.Clock
	ids     messenger.IDGenerator
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// once joins concurrent coordinator runs of the same ONCE task.
	once singleflight.Group

	mu      sync.Mutex
	closed  bool
	tasks   map[string]Task
	running map[string]map[*TaskContext]Task
	runs    map[string]*allRun
	waiters map[string][]*Future[any]
	dones   map[string][]bufferedDone
	starts  map[string][]bufferedStart
}

// New wires compute onto a started messenger. clock, ids and logger may be nil.
func New(
	members Membership,
	msgr *messenger.Messenger,
	backend storage.Backend,
	cfg Config,
	clock messenger.Clock,
	ids messenger.IDGenerator,
	logger *zap.Logger,
) *Compute {
	if cfg.MembershipCheck <= 0 {
		cfg.MembershipCheck = defaultMembershipCheck
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
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
	ctx, cancel := context.WithCancel(context.Background())
	c := &Compute{
		self:    members.Self(),
		members: members,
		msgr:    msgr,
		backend: backend,
		cfg:     cfg,
		clock:   clock,
		ids:     ids,
		logger:  logger.With(zap.String("node", members.Self())),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]Task),
		running: make(map[string]map[*TaskContext]Task),
		runs:    make(map[string]*allRun),
		waiters: make(map[string][]*Future[any]),
		dones:   make(map[string][]bufferedDone),
		starts:  make(map[string][]bufferedStart),
	}

	registerPayloads(msgr.Codec())
	msgr.Listen(topicStart, c.onStart)
	msgr.Listen(topicResult, c.onResult)
	msgr.Listen(topicDone, c.onDone)
	msgr.Listen(topicStop, c.onStop)
	msgr.Listen(topicJoin, c.onJoin)

	c.spawn(c.janitor)
	return c
}

// Register binds task to name on this node. Start requests buffered for name
// are executed, and members announce themselves to the coordinator so an
// in-flight ALL run can include them.
func (c *Compute) Register(ctx context.Context, name string, task Task) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if task == nil {
		return fmt.Errorf("task %q is nil", name)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tasks[name] = task
	buffered := c.starts[name]
	delete(c.starts, name)
	c.mu.Unlock()

	for _, b := range buffered {
		c.startRemote(b.msg, b.from, task)
	}

	if c.members.Role() == cluster.Coordinator {
		return nil
	}
	coordinator, err := c.members.Coordinator(ctx)
	if err != nil {
		c.logger.Warn("cannot resolve coordinator for join", zap.String("task", name), zap.Error(err))
		return nil
	}
	if coordinator == c.self {
		return nil
	}
	if err := c.msgr.SendTo(ctx, coordinator, topicJoin, &joinMsg{Name: name}); err != nil {
		c.logger.Warn("join announcement failed", zap.String("task", name), zap.Error(err))
	}
	return nil
}

// RunOnOne executes task on the coordinator. Other nodes resolve with nil.
func (c *Compute) RunOnOne(ctx context.Context, name string, task Task) *Future[any] {
	return c.registerAndRun(ctx, name, task, One)
}

// RunOnOneOnce is RunOnOne guarded by a durable once marker.
func (c *Compute) RunOnOneOnce(ctx context.Context, name string, task Task) *Future[any] {
	return c.registerAndRun(ctx, name, task, OneOnce)
}

// RunOnAll executes task on every live node and aggregates the results.
func (c *Compute) RunOnAll(ctx context.Context, name string, task Task) *Future[any] {
	return c.registerAndRun(ctx, name, task, All)
}

// RunOnAllOnce is RunOnAll guarded by a durable once marker.
func (c *Compute) RunOnAllOnce(ctx context.Context, name string, task Task) *Future[any] {
	return c.registerAndRun(ctx, name, task, AllOnce)
}

func (c *Compute) registerAndRun(ctx context.Context, name string, task Task, policy Policy) *Future[any] {
	if err := c.Register(ctx, name, task); err != nil {
		return Resolved[any](nil, err)
	}
	return c.Run(ctx, name, policy)
}

// Run dispatches a task already registered under name. On the coordinator,
// concurrent runs of one ONCE task share a single execution and marker write.
func (c *Compute) Run(ctx context.Context, name string, policy Policy) *Future[any] {
	if c.isClosed() {
		return Resolved[any](nil, ErrClosed)
	}
	if !policy.Once() {
		return c.dispatch(ctx, name, policy)
	}
	if c.members.Role() == cluster.Coordinator {
		return c.runOnce(ctx, name, policy)
	}
	marker, ok, err := c.Marker(ctx, name)
	if err != nil {
		return Resolved[any](nil, err)
	}
	if ok {
		return Resolved(marker.Result, nil)
	}
	return c.dispatch(ctx, name, policy)
}

func (c *Compute) dispatch(ctx context.Context, name string, policy Policy) *Future[any] {
	if policy.OnAll() {
		return c.runAll(ctx, name)
	}
	return c.runOne(name)
}

func (c *Compute) runOnce(ctx context.Context, name string, policy Policy) *Future[any] {
	f := NewFuture[any]()
	if !c.spawn(func() {
		v, err, shared := c.once.Do(name, func() (any, error) {
			marker, ok, err := c.Marker(ctx, name)
			if err != nil {
				return nil, err
			}
			if ok {
				c.logger.Debug("once task already ran",
					zap.String("task", name), zap.String("ran_on", marker.Node), zap.Time("at", marker.At))
				return marker.Result, nil
			}
			v, err := c.dispatch(ctx, name, policy).Get(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil {
					return nil, ErrClosed
				}
				return nil, err
			}
			return c.mark(name, v)
		})
		if shared {
			c.logger.Debug("joined in-flight once task", zap.String("task", name))
		}
		f.Resolve(v, err)
	}) {
		f.Resolve(nil, ErrClosed)
	}
	return f
}

// Stop asks every running instance of name on the grid to stop.
func (c *Compute) Stop(ctx context.Context, name string) error {
	c.stopLocal(name)
	if err := c.msgr.Send(ctx, topicStop, &stopMsg{Name: name}); err != nil {
		return fmt.Errorf("broadcast stop %q: %w", name, err)
	}
	return nil
}

// Marker returns the once marker of name, if any.
func (c *Compute) Marker(ctx context.Context, name string) (OnceMarker, bool, error) {
	attr, err := storage.AttributeOf[OnceMarker](c.backend, MarkerName(name))
	if err != nil {
		return OnceMarker{}, false, err
	}
	m, ok, err := attr.Get(ctx)
	if err != nil {
		return OnceMarker{}, false, fmt.Errorf("read once marker %q: %w", name, err)
	}
	return m, ok, nil
}

// ResetOnce clears the once markers of names so they can run again.
func (c *Compute) ResetOnce(ctx context.Context, names ...string) error {
	for _, name := range names {
		attr, err := storage.AttributeOf[OnceMarker](c.backend, MarkerName(name))
		if err != nil {
			return err
		}
		if err := attr.Delete(ctx); err != nil {
			return fmt.Errorf("reset once marker %q: %w", name, err)
		}
	}
	return nil
}

// Close stops supervision and fails every outstanding future.
func (c *Compute) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = make(map[string][]*Future[any])
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	for _, fs := range waiters {
		for _, f := range fs {
			f.Resolve(nil, ErrClosed)
		}
	}
	return nil
}

func (c *Compute) mark(name string, result any) (any, error) {
	attr, err := storage.AttributeOf[OnceMarker](c.backend, MarkerName(name))
	if err != nil {
		return nil, err
	}
	winner, stored, err := attr.SetIfAbsent(c.ctx, OnceMarker{Node: c.self, At: c.clock.Now(), Result: result})
	if err != nil {
		return nil, fmt.Errorf("write once marker %q: %w", name, err)
	}
	if stored {
		return result, nil
	}
	return winner.Result, nil
}

func (c *Compute) runOne(name string) *Future[any] {
	if c.members.Role() != cluster.Coordinator {
		return Resolved[any](nil, nil)
	}
	task, err := c.lookup(name)
	if err != nil {
		return Resolved[any](nil, err)
	}
	f := NewFuture[any]()
	if !c.spawn(func() { f.Resolve(c.execute(name, task)) }) {
		f.Resolve(nil, ErrClosed)
	}
	return f
}

func (c *Compute) lookup(name string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[name]
	if !ok {
		return nil, fmt.Errorf("no task registered as %q", name)
	}
	return task, nil
}

// execute runs task locally, tracking it for stop requests.
func (c *Compute) execute(name string, task Task) (result any, err error) {
	tc := &TaskContext{
		name:    name,
		node:    c.self,
		role:    c.members.Role(),
		backend: c.backend,
		stopAll: func(ctx context.Context) error { return c.Stop(ctx, name) },
		members: c.members.Members,
	}
	c.mu.Lock()
	if c.running[name] == nil {
		c.running[name] = make(map[*TaskContext]Task)
	}
	c.running[name][tc] = task
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.running[name], tc)
		if len(c.running[name]) == 0 {
			delete(c.running, name)
		}
		c.mu.Unlock()
		if r := recover(); r != nil {
			c.logger.Error("task panicked", zap.String("task", name), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result, err = nil, fmt.Errorf("task %q panicked: %v", name, r)
		}
	}()
	return task.Execute(c.ctx, tc)
}

func (c *Compute) stopLocal(name string) {
	c.mu.Lock()
	var stopping []Task
	for tc, task := range c.running[name] {
		tc.stopped.Store(true)
		stopping = append(stopping, task)
	}
	c.mu.Unlock()
	for _, task := range stopping {
		task.Stop()
	}
	if len(stopping) > 0 {
		c.logger.Info("stop requested", zap.String("task", name), zap.Int("instances", len(stopping)))
	}
}

// spawn runs fn in a tracked goroutine unless compute is closed.
func (c *Compute) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Compute) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// janitor expires buffered done notices and start requests nobody claimed.
func (c *Compute) janitor() {
	ticker := time.NewTicker(c.cfg.MembershipCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := c.clock.Now().Add(-c.cfg.Retention)
		var expired []bufferedStart

		c.mu.Lock()
		for name, buf := range c.dones {
			kept := buf[:0]
			for _, d := range buf {
				if d.at.After(cutoff) {
					kept = append(kept, d)
				}
			}
			if len(kept) == 0 {
				delete(c.dones, name)
			} else {
				c.dones[name] = kept
			}
		}
		for name, buf := range c.starts {
			kept := buf[:0]
			for _, s := range buf {
				if s.at.After(cutoff) {
					kept = append(kept, s)
				} else {
					expired = append(expired, s)
				}
			}
			if len(kept) == 0 {
				delete(c.starts, name)
			} else {
				c.starts[name] = kept
			}
		}
		c.mu.Unlock()

		// A node that never registered the task does not take part in the run.
		for _, s := range expired {
			c.logger.Warn("start request expired without a registered task",
				zap.String("task", s.msg.Name), zap.String("coordinator", s.from))
			c.reply(s.from, &resultMsg{Run: s.msg.Run, Name: s.msg.Name})
		}
	}
}

func (c *Compute) reply(to string, msg *resultMsg) {
	err := c.msgr.SendTo(c.ctx, to, topicResult, msg)
	if err != nil && msg.Result != nil {
		c.logger.Warn("task result not encodable, sending without value", zap.String("task", msg.Name), zap.Error(err))
		msg.Result = nil
		err = c.msgr.SendTo(c.ctx, to, topicResult, msg)
	}
	if err != nil && c.ctx.Err() == nil {
		c.logger.Error("send task result failed", zap.String("task", msg.Name), zap.String("to", to), zap.Error(err))
	}
}
