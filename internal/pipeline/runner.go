package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/HDRUK/RDMP-sub001/internal/load"
)

// Task pairs a pipeline with the job it runs.
type Task struct {
	Pipeline *Pipeline
	Job      *load.Job
}

// Runner executes independent jobs in parallel. Jobs share nothing but the
// databases they write to.
type Runner struct {
	// Limit bounds concurrent jobs; 0 means no limit.
	Limit int
}

// RunAll runs every task and returns their exit codes in task order. A
// failing job does not cancel the others.
func (r Runner) RunAll(ctx context.Context, tasks []Task) []load.ExitCode {
	out := make([]load.ExitCode, len(tasks))
	var g errgroup.Group
	if r.Limit > 0 {
		g.SetLimit(r.Limit)
	}
	for i, t := range tasks {
		g.Go(func() error {
			out[i] = t.Pipeline.Run(ctx, t.Job)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Worst folds exit codes into the job-set outcome: Error beats Abort, which
// beats Success, which beats OperationNotRequired.
func Worst(codes []load.ExitCode) load.ExitCode {
	rank := map[load.ExitCode]int{
		load.OperationNotRequired: 0,
		load.Success:              1,
		load.Abort:                2,
		load.Error:                3,
	}
	if len(codes) == 0 {
		return load.OperationNotRequired
	}
	worst := codes[0]
	for _, c := range codes[1:] {
		if rank[c] > rank[worst] {
			worst = c
		}
	}
	return worst
}
