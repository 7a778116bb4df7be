// Package cel compiles and evaluates the condition expressions attached
// to Ability rules (component J), after "${attr.path}" template
// substitution has already resolved against the principal's attributes.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength bounds how large a single condition expression may
// be before evaluation is refused.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, preventing a pathological
// expression from exhausting CPU on a single evaluation.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket/brace nesting.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation's wall-clock time.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions against an arbitrary
// string-keyed context map (the principal's Attributes plus any
// request-scoped values the caller adds).
type Evaluator struct {
	env *cel.Env
}

// NewConditionEnvironment builds the CEL environment used for Ability
// rule conditions: a single dynamic "ctx" variable carrying the
// evaluation context map, since Ability conditions are authored against
// caller-supplied attribute paths rather than a fixed schema.
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewEvaluator creates a new CEL evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a CEL expression, returning a compiled
// program bounded by maxCostBudget.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a CEL expression is syntactically valid
// and safe to evaluate: bounded length, bounded nesting, and compiles
// cleanly against the condition environment.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// Evaluate compiles (uncached) and runs expr against evalCtx, bounded by
// evalTimeout. Returns false, with an error, if the expression does not
// yield a boolean.
func (e *Evaluator) Evaluate(expr string, evalCtx map[string]any) (bool, error) {
	prg, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Run(prg, evalCtx)
}

// Run evaluates an already-compiled program against evalCtx.
func (e *Evaluator) Run(prg cel.Program, evalCtx map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, map[string]any{"ctx": evalCtx})
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
