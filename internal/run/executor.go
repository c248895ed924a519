package run

import (
	"context"

	"github.com/flowforge-io/flowforge/internal/cache"
	"github.com/flowforge-io/flowforge/internal/exec"
	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/plan"
	"github.com/flowforge-io/flowforge/internal/task"
)

// Executor runs one compute task to completion and returns the
// materialized result. Execute blocks until the task finishes, fails, or
// ctx is done; errors come back classified.
type Executor interface {
	Execute(ctx context.Context, req task.SubmitRequest) (*frame.Frame, error)
}

// LocalExecutor interprets plans in-process against the shared cache. It
// is the development-mode default and the fallback when no worker is
// configured.
type LocalExecutor struct {
	Cache *cache.Store
}

// Execute decodes and runs the plan, then applies the output contract
// where the data materialized.
func (e *LocalExecutor) Execute(ctx context.Context, req task.SubmitRequest) (*frame.Frame, error) {
	root, err := plan.DecodeBlob(req.PlanBlob)
	if err != nil {
		return nil, task.Errorf(task.KindValidation, "plan blob: %v", err)
	}
	in := &exec.Interpreter{}
	if e.Cache != nil {
		in.Cache = e.Cache
	}
	f, err := in.Run(ctx, root)
	if err != nil {
		return nil, task.Classify(err)
	}
	if req.OutputSpec.Active() {
		f, err = req.OutputSpec.Apply(f)
		if err != nil {
			return nil, task.Errorf(task.KindValidation, "output fields: %v", err)
		}
	}
	return f, nil
}
