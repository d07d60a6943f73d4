// Package screening implements the pre-execution safety screen.
//
// A Policy is any capability that can look at a task and say whether it may
// proceed. The default SubstringPolicy is a coarse, auditable net over the
// task's canonical serialization; stricter policies (CELPolicy, Chain) can
// replace it without touching the kernel.
package screening

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// Policy decides whether a task may enter the pipeline.
type Policy interface {
	// Screen returns false if the task must be blocked.
	Screen(t task.Task) bool
}

// Explainer is implemented by policies that can name why a task was blocked.
type Explainer interface {
	Explain(t task.Task) string
}

// DefaultForbiddenPatterns is the pattern set used when none is configured.
var DefaultForbiddenPatterns = []string{"unsafe", "unverified", "hallucinate"}

// ReasonUnserializable is reported for tasks that have no canonical form.
const ReasonUnserializable = "task cannot be canonically serialized"

// SubstringPolicy blocks tasks whose canonical, lower-cased serialization
// contains any forbidden pattern.
type SubstringPolicy struct {
	patterns []string
}

// NewSubstringPolicy creates a policy over the given patterns. With no
// patterns, DefaultForbiddenPatterns is used. Empty patterns are ignored.
func NewSubstringPolicy(patterns ...string) *SubstringPolicy {
	if len(patterns) == 0 {
		patterns = DefaultForbiddenPatterns
	}
	p := &SubstringPolicy{patterns: make([]string, 0, len(patterns))}
	for _, pat := range patterns {
		pat = fold(pat)
		if pat == "" {
			continue
		}
		p.patterns = append(p.patterns, pat)
	}
	return p
}

// Patterns returns a copy of the normalized pattern set.
func (p *SubstringPolicy) Patterns() []string {
	return append([]string(nil), p.patterns...)
}

// Screen implements Policy.
func (p *SubstringPolicy) Screen(t task.Task) bool {
	_, blocked := p.Match(t)
	return !blocked
}

// Match returns the first forbidden pattern found in the task. A task that
// cannot be serialized matches with ReasonUnserializable.
func (p *SubstringPolicy) Match(t task.Task) (string, bool) {
	content, err := canonicalize.JCSString(t)
	if err != nil {
		return ReasonUnserializable, true
	}
	content = fold(content)
	for _, pat := range p.patterns {
		if strings.Contains(content, pat) {
			return pat, true
		}
	}
	return "", false
}

// Explain implements Explainer.
func (p *SubstringPolicy) Explain(t task.Task) string {
	pat, blocked := p.Match(t)
	switch {
	case !blocked:
		return ""
	case pat == ReasonUnserializable:
		return pat
	default:
		return "forbidden pattern " + `"` + pat + `"`
	}
}

func fold(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// Chain passes a task only if every policy passes it.
type Chain []Policy

// Screen implements Policy.
func (c Chain) Screen(t task.Task) bool {
	for _, p := range c {
		if !p.Screen(t) {
			return false
		}
	}
	return true
}

// Explain implements Explainer using the first policy that blocks.
func (c Chain) Explain(t task.Task) string {
	for _, p := range c {
		if p.Screen(t) {
			continue
		}
		if e, ok := p.(Explainer); ok {
			return e.Explain(t)
		}
		return ""
	}
	return ""
}

// Func adapts a plain function to Policy.
type Func func(t task.Task) bool

// Screen implements Policy.
func (f Func) Screen(t task.Task) bool { return f(t) }

// Explain returns p's description of why t was blocked, or "" when p cannot
// explain itself.
func Explain(p Policy, t task.Task) string {
	if e, ok := p.(Explainer); ok {
		return e.Explain(t)
	}
	return ""
}
