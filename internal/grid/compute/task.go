package compute

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
)

// Policy selects which nodes execute a task.
type Policy int

// Run-on policies.
const (
	One Policy = iota
	OneOnce
	All
	AllOnce
)

func (p Policy) String() string {
	switch p {
	case One:
		return "ONE"
	case OneOnce:
		return "ONE_ONCE"
	case All:
		return "ALL"
	case AllOnce:
		return "ALL_ONCE"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Once reports whether the policy persists an already-ran marker.
func (p Policy) Once() bool { return p == OneOnce || p == AllOnce }

// OnAll reports whether every node executes.
func (p Policy) OnAll() bool { return p == All || p == AllOnce }

// ParsePolicy reads a policy name such as "all_once".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONE":
		return One, nil
	case "ONE_ONCE":
		return OneOnce, nil
	case "ALL":
		return All, nil
	case "ALL_ONCE":
		return AllOnce, nil
	}
	return One, fmt.Errorf("unknown run-on policy %q", s)
}

// Task is a unit of work dispatched by name. Stop is advisory: long running
// tasks should also poll TaskContext.StopRequested.
type Task interface {
	Execute(ctx context.Context, tc *TaskContext) (any, error)
	Stop()
}

// TaskFunc adapts a function to Task. Its Stop is a no-op.
type TaskFunc func(ctx context.Context, tc *TaskContext) (any, error)

// Execute calls f.
func (f TaskFunc) Execute(ctx context.Context, tc *TaskContext) (any, error) { return f(ctx, tc) }

// Stop does nothing; TaskFunc callers observe TaskContext.StopRequested.
func (TaskFunc) Stop() {}

// TaskContext is handed to every execution.
type TaskContext struct {
	name    string
	node    string
	role    cluster.Role
	backend storage.Backend
	stopAll func(ctx context.Context) error
	members func(ctx context.Context) ([]string, error)
	stopped atomic.Bool
}

// TaskName returns the dispatched task name.
func (tc *TaskContext) TaskName() string { return tc.name }

// Node returns the executing node name.
func (tc *TaskContext) Node() string { return tc.node }

// Role returns the executing node role.
func (tc *TaskContext) Role() cluster.Role { return tc.role }

// IsCoordinator is shorthand for Role() == cluster.Coordinator.
func (tc *TaskContext) IsCoordinator() bool { return tc.role == cluster.Coordinator }

// Storage returns the grid storage backend.
func (tc *TaskContext) Storage() storage.Backend { return tc.backend }

// Members lists the live nodes of the grid. Outside of a grid it is the
// executing node alone.
func (tc *TaskContext) Members(ctx context.Context) ([]string, error) {
	if tc.members == nil {
		return []string{tc.node}, nil
	}
	return tc.members(ctx)
}

// StopRequested reports whether a stop was received for this task name.
func (tc *TaskContext) StopRequested() bool { return tc.stopped.Load() }

// StopAll broadcasts a stop for this task name to the whole grid, including
// the caller.
func (tc *TaskContext) StopAll(ctx context.Context) error {
	if tc.stopAll == nil {
		tc.stopped.Store(true)
		return nil
	}
	return tc.stopAll(ctx)
}

// NewTaskContext builds a context outside of a grid, for tests and tools.
func NewTaskContext(name, node string, role cluster.Role, backend storage.Backend) *TaskContext {
	return &TaskContext{name: name, node: node, role: role, backend: backend}
}
