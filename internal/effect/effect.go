// Package effect models best-effort side effects: work that follows a primary
// write (audit rows, alerts, queue nudges) and whose failure is logged, never returned.
package effect

import (
	"context"

	"go.uber.org/zap"
)

// Result is the outcome of one side effect. It is kept apart from the
// primary result so a caller cannot accidentally turn it into a failure.
type Result struct {
	Name    string
	Err     error
	Skipped bool
}

// OK reports whether the effect ran and succeeded.
func (r Result) OK() bool {
	return !r.Skipped && r.Err == nil
}

// Run executes fn and captures its error.
func Run(ctx context.Context, name string, fn func(ctx context.Context) error) Result {
	return Result{Name: name, Err: fn(ctx)}
}

// Skip records an effect that was not attempted, usually because its sink is not configured.
func Skip(name string) Result {
	return Result{Name: name, Skipped: true}
}

// Log writes the outcome at warn level on failure and debug otherwise.
func (r Result) Log(logger *zap.Logger, fields ...zap.Field) {
	fields = append(fields, zap.String("effect", r.Name))
	switch {
	case r.Err != nil:
		logger.Warn("side effect failed", append(fields, zap.Error(r.Err))...)
	case r.Skipped:
		logger.Debug("side effect skipped", fields...)
	default:
		logger.Debug("side effect done", fields...)
	}
}

// Failed returns the effects that ran and failed.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
