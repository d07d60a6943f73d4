// Package verifier implements the structural state check a task must pass
// before it is processed.
package verifier

import (
	"strings"

	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// Verifier reports whether a task carries the state required to proceed.
type Verifier interface {
	Verify(t task.Task) bool
}

// Explainer is implemented by verifiers that can describe a failure.
type Explainer interface {
	Explain(t task.Task) string
}

// DefaultRequiredFields is the field set used when none is configured.
var DefaultRequiredFields = []string{task.KeyInput, task.KeyContext}

// RequiredFields passes a task iff every field is present as a key,
// regardless of its value (nil and empty values count as present).
type RequiredFields struct {
	fields []string
}

// NewRequiredFields creates a verifier over fields. With no fields,
// DefaultRequiredFields is used.
func NewRequiredFields(fields ...string) *RequiredFields {
	if len(fields) == 0 {
		fields = DefaultRequiredFields
	}
	return &RequiredFields{fields: append([]string(nil), fields...)}
}

// Fields returns a copy of the required field set.
func (v *RequiredFields) Fields() []string {
	return append([]string(nil), v.fields...)
}

// Verify implements Verifier.
func (v *RequiredFields) Verify(t task.Task) bool {
	for _, f := range v.fields {
		if _, ok := t[f]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the required fields absent from the task, in configured order.
func (v *RequiredFields) Missing(t task.Task) []string {
	var missing []string
	for _, f := range v.fields {
		if _, ok := t[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// Explain implements Explainer.
func (v *RequiredFields) Explain(t task.Task) string {
	missing := v.Missing(t)
	if len(missing) == 0 {
		return ""
	}
	return "missing required fields: " + strings.Join(missing, ", ")
}

// All passes a task only if every verifier passes it.
type All []Verifier

// Verify implements Verifier.
func (a All) Verify(t task.Task) bool {
	for _, v := range a {
		if !v.Verify(t) {
			return false
		}
	}
	return true
}

// Explain implements Explainer using the first failing verifier.
func (a All) Explain(t task.Task) string {
	for _, v := range a {
		if v.Verify(t) {
			continue
		}
		if e, ok := v.(Explainer); ok {
			return e.Explain(t)
		}
		return ""
	}
	return ""
}

// Explain returns v's description of why t failed, or "" when v cannot
// explain itself.
func Explain(v Verifier, t task.Task) string {
	if e, ok := v.(Explainer); ok {
		return e.Explain(t)
	}
	return ""
}
