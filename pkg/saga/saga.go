// Package saga runs a fixed sequence of reversible steps against services
// that share no transaction. The first failing step stops the run and every
// completed step is compensated in reverse order.
package saga

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is one reversible action. Compensate undoes a successful Do.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// CompensationFailure records a compensation that did not go through
type CompensationFailure struct {
	Step string
	Err  error
}

func (f CompensationFailure) Error() string {
	return fmt.Sprintf("compensate %s: %v", f.Step, f.Err)
}

// Runner executes steps
type Runner struct {
	// OnCompensationFailure is called once per failed compensation.
	OnCompensationFailure func(ctx context.Context, step string, err error)
}

// NewRunner creates a new Runner
func NewRunner() *Runner {
	return &Runner{}
}

// Result describes one run. Err is set when a step failed; by then the steps
// before it have already been compensated.
type Result struct {
	Err                  error
	FailedStep           string
	CompensationFailures []CompensationFailure

	runner    *Runner
	completed []Step
}

// OK reports whether every step succeeded
func (r *Result) OK() bool {
	return r.Err == nil
}

// Completed returns the names of the steps whose effects are still applied.
func (r *Result) Completed() []string {
	names := make([]string, len(r.completed))
	for i, s := range r.completed {
		names[i] = s.Name
	}
	return names
}

// Unwind compensates every still-applied step in reverse order. It is used
// when something after a successful run fails and the whole unit has to be
// reverted. Calling it twice is a no-op.
func (r *Result) Unwind(ctx context.Context) []CompensationFailure {
	failures := r.runner.compensate(ctx, r.completed)
	r.completed = nil
	r.CompensationFailures = append(r.CompensationFailures, failures...)
	return failures
}

// Run executes steps in order. Compensation failures are logged and reported,
// never retried.
func (rn *Runner) Run(ctx context.Context, steps ...Step) *Result {
	logger := zerolog.Ctx(ctx)
	res := &Result{runner: rn}

	for _, step := range steps {
		if err := step.Do(ctx); err != nil {
			logger.Warn().
				Err(err).
				Str("step", step.Name).
				Int("completed", len(res.completed)).
				Msg("Saga step failed, compensating")

			res.Err = fmt.Errorf("step %s: %w", step.Name, err)
			res.FailedStep = step.Name
			res.CompensationFailures = rn.compensate(ctx, res.completed)
			res.completed = nil
			return res
		}
		res.completed = append(res.completed, step)
	}
	return res
}

func (rn *Runner) compensate(ctx context.Context, done []Step) []CompensationFailure {
	logger := zerolog.Ctx(ctx)

	var failures []CompensationFailure
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			logger.Error().
				Err(err).
				Str("step", step.Name).
				Msg("Compensation failed")
			failures = append(failures, CompensationFailure{Step: step.Name, Err: err})
			if rn.OnCompensationFailure != nil {
				rn.OnCompensationFailure(ctx, step.Name, err)
			}
		}
	}
	return failures
}
