package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
	"github.com/JakeFAU/gridcrawler/internal/grid/messenger"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
)

// ErrClosed fails pipeline futures outstanding at Close.
var ErrClosed = errors.New("pipeline: closed")

const (
	topicDone = "pipeline.done"
	topicStop = "pipeline.stop"

	defaultRetention = time.Minute
)

type doneMsg struct {
	Pipeline string `msgpack:"pipeline"`
	OK       bool   `msgpack:"ok"`
	Err      string `msgpack:"err,omitempty"`
}

func (*doneMsg) PayloadType() string { return topicDone }

type stopMsg struct {
	Pipeline string `msgpack:"pipeline"`
}

func (*stopMsg) PayloadType() string { return topicStop }

// Membership is the grid view the runner needs.
type Membership interface {
	Self() string
	Role() cluster.Role
	Coordinator(ctx context.Context) (string, error)
}

// Status is a snapshot of a persisted pipeline.
type Status struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	Stage string `json:"stage,omitempty"`
}

type bufferedDone struct {
	msg doneMsg
	at  time.Time
}

// Runner runs pipelines on one node.
type Runner struct {
	members Membership
	compute *compute.Compute
	msgr    *messenger.Messenger
	backend storage.Backend
	clock   messenger.Clock
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	waiters map[string][]*compute.Future[bool]
	dones   map[string][]bufferedDone
	stops   map[string]bool
	active  map[string]string
}

// NewRunner wires a runner onto the node's compute and messenger.
func NewRunner(
	members Membership,
	c *compute.Compute,
	msgr *messenger.Messenger,
	backend storage.Backend,
	clock messenger.Clock,
	logger *zap.Logger,
) *Runner {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		members: members,
		compute: c,
		msgr:    msgr,
		backend: backend,
		clock:   clock,
		logger:  logger.With(zap.String("node", members.Self())),
		ctx:     ctx,
		cancel:  cancel,
		waiters: make(map[string][]*compute.Future[bool]),
		dones:   make(map[string][]bufferedDone),
		stops:   make(map[string]bool),
		active:  make(map[string]string),
	}
	msgr.Codec().Register(func() messenger.Payload { return &doneMsg{} })
	msgr.Codec().Register(func() messenger.Payload { return &stopMsg{} })
	msgr.Listen(topicDone, r.onDone)
	msgr.Listen(topicStop, r.onStop)
	return r
}

// Stop asks the coordinator to stop initiating stages of the named pipeline
// and stops the stage running now. Always stages still run.
func (r *Runner) Stop(ctx context.Context, name string) error {
	if r.IsCoordinator() {
		return r.stopLocal(ctx, name)
	}
	coordinator, err := r.members.Coordinator(ctx)
	if err != nil {
		return fmt.Errorf("resolve coordinator: %w", err)
	}
	if err := r.msgr.SendTo(ctx, coordinator, topicStop, &stopMsg{Pipeline: name}); err != nil {
		return fmt.Errorf("forward stop of %s: %w", name, err)
	}
	return nil
}

// Status reads the persisted state of the named pipeline.
func (r *Runner) Status(ctx context.Context, name string) (Status, error) {
	state, stage, err := r.attributes(name)
	if err != nil {
		return Status{}, err
	}
	st := Status{Name: name, State: Idle}
	if v, ok, err := state.Get(ctx); err != nil {
		return Status{}, fmt.Errorf("read pipeline state: %w", err)
	} else if ok {
		st.State = v
	}
	if v, ok, err := stage.Get(ctx); err != nil {
		return Status{}, fmt.Errorf("read active stage: %w", err)
	} else if ok {
		st.Stage = v
	}
	return st, nil
}

// Reset returns the named pipeline to IDLE.
func (r *Runner) Reset(ctx context.Context, name string) error {
	state, stage, err := r.attributes(name)
	if err != nil {
		return err
	}
	if err := stage.Delete(ctx); err != nil {
		return err
	}
	return state.Delete(ctx)
}

// Close fails outstanding futures and waits for driving goroutines.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	waiters := r.waiters
	r.waiters = make(map[string][]*compute.Future[bool])
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	for _, fs := range waiters {
		for _, f := range fs {
			f.Resolve(false, ErrClosed)
		}
	}
	return nil
}

func (r *Runner) attributes(name string) (*storage.Attribute[State], *storage.Attribute[string], error) {
	state, err := storage.AttributeOf[State](r.backend, name+".state")
	if err != nil {
		return nil, nil, err
	}
	stage, err := storage.AttributeOf[string](r.backend, name+".stageName")
	if err != nil {
		return nil, nil, err
	}
	return state, stage, nil
}

// IsCoordinator reports whether this node drives pipelines.
func (r *Runner) IsCoordinator() bool { return r.members.Role() == cluster.Coordinator }

func (r *Runner) spawn(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

func (r *Runner) beginRun(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stops, name)
}

func (r *Runner) endRun(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stops, name)
	delete(r.active, name)
}

func (r *Runner) setActive(name, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task == "" {
		delete(r.active, name)
		return
	}
	r.active[name] = task
}

func (r *Runner) stopRequested(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops[name]
}

func (r *Runner) stopLocal(ctx context.Context, name string) error {
	r.mu.Lock()
	r.stops[name] = true
	task := r.active[name]
	r.mu.Unlock()
	r.logger.Info("pipeline stop requested", zap.String("pipeline", name), zap.String("active_task", task))
	if task == "" {
		return nil
	}
	return r.compute.Stop(ctx, task)
}

func (r *Runner) announce(name string, ok bool, err error) {
	msg := &doneMsg{Pipeline: name, OK: ok}
	if err != nil {
		msg.Err = err.Error()
	}
	if sendErr := r.msgr.Send(r.ctx, topicDone, msg); sendErr != nil && r.ctx.Err() == nil {
		r.logger.Warn("announce pipeline outcome failed", zap.String("pipeline", name), zap.Error(sendErr))
	}
}

// awaitDone parks a member future until the coordinator announces the
// outcome of the named pipeline.
func (r *Runner) awaitDone(name string) *compute.Future[bool] {
	f := compute.NewFuture[bool]()
	cutoff := r.clock.Now().Add(-defaultRetention)
	r.mu.Lock()
	buf := r.dones[name]
	for len(buf) > 0 && !buf[0].at.After(cutoff) {
		buf = buf[1:]
	}
	if len(buf) > 0 {
		d := buf[0]
		r.setDones(name, buf[1:])
		r.mu.Unlock()
		f.Resolve(d.msg.OK, doneErr(d.msg))
		return f
	}
	r.setDones(name, nil)
	if r.closed {
		r.mu.Unlock()
		f.Resolve(false, ErrClosed)
		return f
	}
	r.waiters[name] = append(r.waiters[name], f)
	r.mu.Unlock()
	return f
}

func (r *Runner) setDones(name string, buf []bufferedDone) {
	if len(buf) == 0 {
		delete(r.dones, name)
		return
	}
	r.dones[name] = buf
}

func (r *Runner) onDone(_ context.Context, _ string, p messenger.Payload) error {
	msg := p.(*doneMsg)
	r.mu.Lock()
	waiters := r.waiters[msg.Pipeline]
	delete(r.waiters, msg.Pipeline)
	if len(waiters) == 0 {
		r.dones[msg.Pipeline] = append(r.dones[msg.Pipeline], bufferedDone{msg: *msg, at: r.clock.Now()})
	}
	r.mu.Unlock()
	for _, f := range waiters {
		f.Resolve(msg.OK, doneErr(*msg))
	}
	return nil
}

func (r *Runner) onStop(ctx context.Context, _ string, p messenger.Payload) error {
	if !r.IsCoordinator() {
		return nil
	}
	return r.stopLocal(ctx, p.(*stopMsg).Pipeline)
}

func doneErr(msg doneMsg) error {
	if msg.Err == "" {
		return nil
	}
	return errors.New(msg.Err)
}
