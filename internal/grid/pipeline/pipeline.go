// Package pipeline sequences compute tasks into a resumable, named state
// machine persisted in grid storage.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
)

// State of a pipeline as persisted at "<pipeline>.state".
type State string

// Pipeline states.
const (
	Idle   State = "IDLE"
	Active State = "ACTIVE"
	Ended  State = "ENDED"
)

// StageFunc is the work of a stage. Returning false aborts every following
// stage that is not Always.
type StageFunc[C any] func(ctx context.Context, tc *compute.TaskContext, c C) (any, error)

// Stage is one step of a pipeline.
type Stage[C any] struct {
	Name   string
	Task   StageFunc[C]
	RunOn  compute.Policy
	Always bool
	// OnlyIf gates the stage on the shared context when set.
	OnlyIf func(c C) bool
	// OnStop is called on every node running the stage when it is stopped.
	OnStop func()
}

// Pipeline is an ordered list of uniquely named stages sharing a context C.
type Pipeline[C any] struct {
	name   string
	stages []Stage[C]
}

// New validates and builds a pipeline.
func New[C any](name string, stages ...Stage[C]) (*Pipeline[C], error) {
	if name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %q has no stages", name)
	}
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("pipeline %q has a stage without a name", name)
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("pipeline %q has duplicate stage %q", name, st.Name)
		}
		if st.Task == nil {
			return nil, fmt.Errorf("pipeline %q stage %q has no task", name, st.Name)
		}
		seen[st.Name] = true
	}
	return &Pipeline[C]{name: name, stages: append([]Stage[C](nil), stages...)}, nil
}

// Name returns the pipeline name.
func (p *Pipeline[C]) Name() string { return p.name }

// StageNames lists stage names in order.
func (p *Pipeline[C]) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name
	}
	return names
}

// TaskName is the compute task name of a stage.
func (p *Pipeline[C]) TaskName(stage string) string { return p.name + "." + stage }

func (p *Pipeline[C]) index(stage string) int {
	for i, st := range p.stages {
		if st.Name == stage {
			return i
		}
	}
	return -1
}

type stageTask[C any] struct {
	stage Stage[C]
	ctx   C
}

func (t *stageTask[C]) Execute(ctx context.Context, tc *compute.TaskContext) (any, error) {
	return t.stage.Task(ctx, tc, t.ctx)
}

func (t *stageTask[C]) Stop() {
	if t.stage.OnStop != nil {
		t.stage.OnStop()
	}
}

// Run registers every stage on this node and starts the pipeline. Only the
// coordinator drives stages; on other nodes the future resolves when the
// coordinator announces the outcome. The value is true unless a stage aborted.
// Cancelling ctx, or closing r, interrupts the pipeline before its next stage
// and leaves it ACTIVE so a later run resumes there.
func (p *Pipeline[C]) Run(ctx context.Context, r *Runner, c C) *compute.Future[bool] {
	for _, st := range p.stages {
		if err := r.compute.Register(ctx, p.TaskName(st.Name), &stageTask[C]{stage: st, ctx: c}); err != nil {
			return compute.Resolved(false, fmt.Errorf("register stage %q: %w", st.Name, err))
		}
	}
	if !r.IsCoordinator() {
		return r.awaitDone(p.name)
	}
	f := compute.NewFuture[bool]()
	if !r.spawn(func() {
		ok, err := p.drive(ctx, r, c)
		r.announce(p.name, ok, err)
		f.Resolve(ok, err)
	}) {
		f.Resolve(false, ErrClosed)
	}
	return f
}

func (p *Pipeline[C]) drive(parent context.Context, r *Runner, c C) (bool, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	log := r.logger.With(zap.String("pipeline", p.name))
	state, stageName, err := r.attributes(p.name)
	if err != nil {
		return false, err
	}

	start := 0
	current, ok, err := state.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("read pipeline state: %w", err)
	}
	if ok && current == Active {
		name, has, err := stageName.Get(ctx)
		if err != nil {
			return false, fmt.Errorf("read active stage: %w", err)
		}
		switch idx := p.index(name); {
		case has && idx >= 0:
			start = idx
			log.Info("resuming pipeline", zap.String("stage", name))
		case has:
			log.Warn("persisted stage is unknown, starting over", zap.String("stage", name))
		}
	}
	if err := state.Set(ctx, Active); err != nil {
		return false, fmt.Errorf("persist pipeline state: %w", err)
	}
	r.beginRun(p.name)
	defer r.endRun(p.name)

	abort := false
	var firstErr error
	for _, st := range p.stages[start:] {
		if err := ctx.Err(); err != nil {
			log.Info("pipeline interrupted", zap.String("stage", st.Name), zap.Error(err))
			return false, fmt.Errorf("pipeline %s interrupted before stage %s: %w", p.name, st.Name, err)
		}
		if r.stopRequested(p.name) {
			abort = true
		}
		if abort && !st.Always {
			log.Info("skipping stage after abort", zap.String("stage", st.Name))
			continue
		}
		if st.OnlyIf != nil && !st.OnlyIf(c) {
			log.Info("skipping stage, condition not met", zap.String("stage", st.Name))
			continue
		}
		if err := stageName.Set(ctx, st.Name); err != nil {
			return false, fmt.Errorf("persist active stage: %w", err)
		}
		task := p.TaskName(st.Name)
		r.setActive(p.name, task)
		log.Info("running stage", zap.String("stage", st.Name), zap.Stringer("policy", st.RunOn))
		result, err := r.compute.Run(ctx, task, st.RunOn).Get(ctx)
		r.setActive(p.name, "")
		if err != nil {
			log.Error("stage failed", zap.String("stage", st.Name), zap.Error(err))
			abort = true
			if firstErr == nil {
				firstErr = fmt.Errorf("pipeline %s stage %s: %w", p.name, st.Name, err)
			}
			continue
		}
		if b, isBool := result.(bool); isBool && !b {
			log.Info("stage aborted pipeline", zap.String("stage", st.Name))
			abort = true
		}
	}

	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("pipeline %s interrupted: %w", p.name, err)
	}
	if err := stageName.Delete(ctx); err != nil {
		log.Warn("clear active stage", zap.Error(err))
	}
	if err := state.Set(ctx, Ended); err != nil {
		return false, fmt.Errorf("persist pipeline state: %w", err)
	}
	if firstErr != nil {
		return false, firstErr
	}
	return !abort, nil
}
