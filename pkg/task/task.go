// Package task defines the open records that flow through the pipeline.
package task

import (
	"fmt"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
)

// Well-known keys.
const (
	KeyInput    = "input"
	KeyContext  = "context"
	KeyStatus   = "status"
	KeyOutput   = "output"
	KeyVerified = "verified"
)

// StatusSuccess marks a result produced by a successful processing step.
const StatusSuccess = "SUCCESS"

// Task is an open record submitted to the pipeline. It has no fixed schema
// beyond the fields the verifier requires.
type Task map[string]any

// Result is the record produced by a processor. It carries at least a
// status and an output.
type Result map[string]any

// Clone returns a deep copy of the task. Nested maps and slices are copied;
// scalar values are shared.
func (t Task) Clone() Task {
	if t == nil {
		return nil
	}
	return Task(cloneMap(t))
}

// Input returns the "input" field and whether it is present.
func (t Task) Input() (any, bool) {
	v, ok := t[KeyInput]
	return v, ok
}

// Clone returns a deep copy of the result.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	return Result(cloneMap(r))
}

// Status returns the result's status marker, or "" if absent.
func (r Result) Status() string {
	s, _ := r[KeyStatus].(string)
	return s
}

// Output returns the result's output value.
func (r Result) Output() any {
	return r[KeyOutput]
}

// String renders a value the way processors embed it in text: strings as-is,
// everything else as canonical JSON.
func String(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	s, err := canonicalize.JCSString(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Task:
		return Task(cloneMap(t))
	case Result:
		return Result(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
