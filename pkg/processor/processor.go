// Package processor holds the deterministic processing step of the pipeline.
//
// A Processor maps a screened and verified task to a fresh Result. It must
// not read the clock, draw randomness or perform I/O: the same task content
// must always produce a byte-identical result, because the ledger signature
// is a fingerprint of that content.
package processor

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// ErrEmptyOutput is returned when a sandboxed module produces no result.
var ErrEmptyOutput = errors.New("processor produced no output")

// Processor is the pluggable business-logic step. Callers guarantee the task
// has already passed screening and verification.
type Processor interface {
	Process(ctx context.Context, t task.Task) (task.Result, error)
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, t task.Task) (task.Result, error)

// Process implements Processor.
func (f Func) Process(ctx context.Context, t task.Task) (task.Result, error) {
	return f(ctx, t)
}

// OutputPrefix is prepended to the echoed input.
const OutputPrefix = "Processed: "

// Echo is the minimum viable processor: it annotates the task's input.
type Echo struct{}

// NewEcho returns the echo processor.
func NewEcho() Echo { return Echo{} }

// Process implements Processor. It never fails.
func (Echo) Process(_ context.Context, t task.Task) (task.Result, error) {
	in, ok := t.Input()
	text := "N/A"
	if ok {
		text = task.String(in)
	}
	return task.Result{
		task.KeyStatus:   task.StatusSuccess,
		task.KeyOutput:   OutputPrefix + text,
		task.KeyVerified: true,
	}, nil
}
