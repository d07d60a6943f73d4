package screening

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// ErrNondeterministicRule is returned when a rule uses a construct whose
// result could differ between evaluations of the same task.
var ErrNondeterministicRule = errors.New("screening rule is not deterministic")

// celVariable is the name the task is bound to inside rule expressions.
const celVariable = "task"

// Rule is a named CEL expression that must evaluate to true for a task to pass.
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expr" json:"expr"`
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// CELPolicy screens tasks with CEL rules. Every rule must evaluate to true;
// an evaluation error or a non-boolean result blocks the task (fail closed).
type CELPolicy struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewCELPolicy compiles the rules. Rules are checked for determinism first:
// floating point literals, now() and map iteration are rejected.
func NewCELPolicy(rules ...Rule) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable(celVariable, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	p := &CELPolicy{logger: slog.Default().With("component", "screening")}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		if err := validateDeterministic(env, r.Expression); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: CEL compile error: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q: CEL program error: %w", r.Name, err)
		}
		p.rules = append(p.rules, compiledRule{rule: r, prg: prg})
	}
	return p, nil
}

// Screen implements Policy.
func (p *CELPolicy) Screen(t task.Task) bool {
	return p.firstViolation(t) == ""
}

// Explain implements Explainer.
func (p *CELPolicy) Explain(t task.Task) string {
	name := p.firstViolation(t)
	if name == "" {
		return ""
	}
	return "rule " + `"` + name + `"` + " rejected the task"
}

func (p *CELPolicy) firstViolation(t task.Task) string {
	if len(p.rules) == 0 {
		return ""
	}
	input, err := celInput(t)
	if err != nil {
		return ReasonUnserializable
	}
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(map[string]any{celVariable: input})
		if err != nil {
			p.logger.Debug("rule evaluation failed", "rule", r.rule.Name, "error", err)
			return r.rule.Name
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return r.rule.Name
		}
	}
	return ""
}

// celInput converts the task into plain JSON types the CEL adapter understands.
func celInput(t task.Task) (map[string]any, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateDeterministic(env *cel.Env, source string) error {
	parsed, issues := env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL parse error: %w", issues.Err())
	}

	var problems []string
	expr := parsed.Expr() //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
	walkExpr(expr, &problems)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrNondeterministicRule, strings.Join(problems, "; "))
	}
	return nil
}

func walkExpr(e *exprpb.Expr, problems *[]string) {
	if e == nil {
		return
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*problems = append(*problems, "floating point literals are forbidden")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*problems = append(*problems, "now() is forbidden")
		case "keys", "values":
			*problems = append(*problems, "map iteration (keys/values) is forbidden")
		}
		walkExpr(call.Target, problems)
		for _, arg := range call.Args {
			walkExpr(arg, problems)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, problems)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, problems)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walkExpr(entry.GetMapKey(), problems)
			}
			walkExpr(entry.Value, problems)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, problems)
		walkExpr(comp.AccuInit, problems)
		walkExpr(comp.LoopCondition, problems)
		walkExpr(comp.LoopStep, problems)
		walkExpr(comp.Result, problems)
	}
}
