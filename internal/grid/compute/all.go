package compute

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/messenger"
)

// allRun is the coordinator bookkeeping of one ALL dispatch. Fields other than
// id, name, future and changed are guarded by Compute.mu.
type allRun struct {
	id      string
	name    string
	future  *Future[any]
	changed chan struct{}

	started  map[string]bool
	awaiting map[string]bool

	localDone   bool
	localResult any
	anyFalse    bool
	err         error
}

func (r *allRun) record(result any, err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
	if b, ok := result.(bool); ok && !b {
		r.anyFalse = true
	}
}

func (r *allRun) signal() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (c *Compute) runAll(ctx context.Context, name string) *Future[any] {
	if c.members.Role() != cluster.Coordinator {
		return c.awaitDone(name)
	}
	task, err := c.lookup(name)
	if err != nil {
		return Resolved[any](nil, err)
	}
	id, err := c.ids.NewID()
	if err != nil {
		return Resolved[any](nil, fmt.Errorf("run id: %w", err))
	}
	members, err := c.members.Members(ctx)
	if err != nil {
		return Resolved[any](nil, fmt.Errorf("list members for %q: %w", name, err))
	}

	run := &allRun{
		id:       id,
		name:     name,
		future:   NewFuture[any](),
		changed:  make(chan struct{}, 1),
		started:  make(map[string]bool),
		awaiting: make(map[string]bool),
	}
	var targets []string
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Resolved[any](nil, ErrClosed)
	}
	if _, busy := c.runs[name]; busy {
		c.mu.Unlock()
		return Resolved[any](nil, fmt.Errorf("task %q is already running on the grid", name))
	}
	c.runs[name] = run
	for _, m := range members {
		if m == c.self {
			continue
		}
		run.started[m] = true
		run.awaiting[m] = true
		targets = append(targets, m)
	}
	c.mu.Unlock()

	c.logger.Debug("dispatching to all nodes", zap.String("task", name), zap.String("run", id),
		zap.Strings("members", targets))
	for _, m := range targets {
		c.sendStart(run, m)
	}
	c.spawn(func() {
		result, err := c.execute(name, task)
		c.mu.Lock()
		run.localDone = true
		run.localResult = result
		run.record(result, err)
		c.mu.Unlock()
		run.signal()
	})
	if !c.spawn(func() { c.supervise(run) }) {
		run.future.Resolve(nil, ErrClosed)
	}
	return run.future
}

// awaitDone parks a member future until the coordinator broadcasts the
// outcome, consuming an outcome that arrived early.
func (c *Compute) awaitDone(name string) *Future[any] {
	f := NewFuture[any]()
	c.mu.Lock()
	if buf := c.dones[name]; len(buf) > 0 {
		d := buf[0]
		if len(buf) == 1 {
			delete(c.dones, name)
		} else {
			c.dones[name] = buf[1:]
		}
		c.mu.Unlock()
		f.Resolve(d.msg.Result, remoteErr(d.from, d.msg.Err))
		return f
	}
	if c.closed {
		c.mu.Unlock()
		f.Resolve(nil, ErrClosed)
		return f
	}
	c.waiters[name] = append(c.waiters[name], f)
	c.mu.Unlock()
	return f
}

func (c *Compute) sendStart(run *allRun, node string) {
	c.spawn(func() {
		pending, err := c.msgr.SendToAndAwaitAck(c.ctx, node, topicStart, &startMsg{Run: run.id, Name: run.name})
		if err == nil {
			err = pending.Wait(c.ctx)
		}
		if err != nil && c.ctx.Err() == nil {
			c.dropNode(run, node, err)
		}
	})
}

func (c *Compute) dropNode(run *allRun, node string, cause error) {
	c.mu.Lock()
	dropped := run.awaiting[node]
	delete(run.awaiting, node)
	c.mu.Unlock()
	if dropped {
		c.logger.Warn("dropping node from run", zap.String("task", run.name), zap.String("member", node), zap.Error(cause))
		run.signal()
	}
}

func (c *Compute) supervise(run *allRun) {
	ticker := time.NewTicker(c.cfg.MembershipCheck)
	defer ticker.Stop()
	for {
		if c.completeRun(run) {
			return
		}
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			if c.runs[run.name] == run {
				delete(c.runs, run.name)
			}
			c.mu.Unlock()
			run.future.Resolve(nil, ErrClosed)
			return
		case <-run.changed:
		case <-ticker.C:
			c.dropDeparted(run)
		}
	}
}

func (c *Compute) dropDeparted(run *allRun) {
	members, err := c.members.Members(c.ctx)
	if err != nil {
		c.logger.Warn("membership check failed", zap.String("task", run.name), zap.Error(err))
		return
	}
	live := make(map[string]bool, len(members))
	for _, m := range members {
		live[m] = true
	}
	c.mu.Lock()
	var gone []string
	for node := range run.awaiting {
		if !live[node] {
			gone = append(gone, node)
		}
	}
	c.mu.Unlock()
	for _, node := range gone {
		c.dropNode(run, node, fmt.Errorf("node left the grid"))
	}
}

func (c *Compute) completeRun(run *allRun) bool {
	c.mu.Lock()
	if !run.localDone || len(run.awaiting) > 0 {
		c.mu.Unlock()
		return false
	}
	if c.runs[run.name] == run {
		delete(c.runs, run.name)
	}
	result := run.localResult
	if run.anyFalse {
		result = false
	}
	err := run.err
	c.mu.Unlock()

	done := &doneMsg{Run: run.id, Name: run.name, Result: result, Err: errString(err)}
	sendErr := c.msgr.Send(c.ctx, topicDone, done)
	if sendErr != nil && done.Result != nil {
		done.Result = nil
		sendErr = c.msgr.Send(c.ctx, topicDone, done)
	}
	if sendErr != nil {
		c.logger.Warn("broadcast run outcome failed", zap.String("task", run.name), zap.Error(sendErr))
	}
	run.future.Resolve(result, err)
	return true
}

func (c *Compute) onStart(_ context.Context, from string, p messenger.Payload) error {
	msg := p.(*startMsg)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	task, ok := c.tasks[msg.Name]
	if !ok {
		c.starts[msg.Name] = append(c.starts[msg.Name], bufferedStart{msg: *msg, from: from, at: c.clock.Now()})
		c.mu.Unlock()
		c.logger.Debug("buffering start for unregistered task", zap.String("task", msg.Name))
		return nil
	}
	c.mu.Unlock()
	c.startRemote(*msg, from, task)
	return nil
}

func (c *Compute) startRemote(msg startMsg, coordinator string, task Task) {
	c.spawn(func() {
		result, err := c.execute(msg.Name, task)
		c.reply(coordinator, &resultMsg{Run: msg.Run, Name: msg.Name, Result: result, Err: errString(err)})
	})
}

func (c *Compute) onResult(_ context.Context, from string, p messenger.Payload) error {
	msg := p.(*resultMsg)
	c.mu.Lock()
	run := c.runs[msg.Name]
	if run == nil || run.id != msg.Run {
		c.mu.Unlock()
		c.logger.Debug("ignoring result for finished run", zap.String("task", msg.Name), zap.String("from", from))
		return nil
	}
	delete(run.awaiting, from)
	run.record(msg.Result, remoteErr(from, msg.Err))
	c.mu.Unlock()
	run.signal()
	return nil
}

func (c *Compute) onDone(_ context.Context, from string, p messenger.Payload) error {
	msg := p.(*doneMsg)
	err := remoteErr(from, msg.Err)
	c.mu.Lock()
	waiters := c.waiters[msg.Name]
	delete(c.waiters, msg.Name)
	if len(waiters) == 0 {
		c.dones[msg.Name] = append(c.dones[msg.Name], bufferedDone{msg: *msg, from: from, at: c.clock.Now()})
	}
	c.mu.Unlock()
	for _, f := range waiters {
		f.Resolve(msg.Result, err)
	}
	return nil
}

func (c *Compute) onStop(_ context.Context, _ string, p messenger.Payload) error {
	c.stopLocal(p.(*stopMsg).Name)
	return nil
}

// onJoin adds a late member to the in-flight run of the named task.
func (c *Compute) onJoin(_ context.Context, from string, p messenger.Payload) error {
	msg := p.(*joinMsg)
	c.mu.Lock()
	run := c.runs[msg.Name]
	if run == nil || run.started[from] {
		c.mu.Unlock()
		return nil
	}
	run.started[from] = true
	run.awaiting[from] = true
	c.mu.Unlock()

	c.logger.Info("member joined running task", zap.String("task", msg.Name), zap.String("member", from))
	c.sendStart(run, from)
	return nil
}

func remoteErr(node, msg string) error {
	if msg == "" {
		return nil
	}
	return &RemoteError{Node: node, Message: msg}
}
