package roles

import (
	"context"
	"time"

	"orgsim/internal/domain"
)

// Executor is a role's execution capability. The orchestrator treats it as
// an opaque call bounded by the caller's context deadline.
type Executor interface {
	Process(ctx context.Context, task domain.Task) (domain.ExecResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task domain.Task) (domain.ExecResult, error)

func (f ExecutorFunc) Process(ctx context.Context, task domain.Task) (domain.ExecResult, error) {
	return f(ctx, task)
}

// ScriptedExecutor is a deterministic execution capability used by the demo
// bootstrap and by tests. It honors context cancellation during its
// simulated work delay.
type ScriptedExecutor struct {
	Delay  time.Duration
	Script func(task domain.Task) domain.ExecResult
}

func (s *ScriptedExecutor) Process(ctx context.Context, task domain.Task) (domain.ExecResult, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return domain.ExecResult{}, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Script != nil {
		return s.Script(task), nil
	}
	return domain.ExecResult{
		Analysis: "reviewed task content",
		Action:   "completed routine work",
		Success:  true,
	}, nil
}
