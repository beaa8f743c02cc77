package steps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/formflow/pkg/log"
	"github.com/expr-lang/expr"
)

// Predicate decides whether a conditional step runs.
type Predicate func(payload map[string]any) (bool, error)

// Rules is a product's table of named predicates.
type Rules struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]Predicate
}

func NewRules(logger *slog.Logger) *Rules {
	return &Rules{
		logger: logger.With("module", "rules"),
		rules:  make(map[string]Predicate),
	}
}

func (r *Rules) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules[name] = p
}

// RegisterExpr compiles expression and registers it under name.
func (r *Rules) RegisterExpr(name, expression string) error {
	p, err := ExprRule(expression)
	if err != nil {
		return fmt.Errorf("rule %s: %w", name, err)
	}

	r.Register(name, p)

	return nil
}

// Evaluate runs the named predicate. A missing table, unknown names and failing predicates
// log a warning and evaluate to false.
func (r *Rules) Evaluate(ctx context.Context, name string, payload map[string]any) bool {
	if r == nil {
		log.FromContext(ctx).WarnContext(ctx, "No rules table for product, skipping step", "rule", name)

		return false
	}

	r.mu.RLock()
	p, ok := r.rules[name]
	r.mu.RUnlock()

	if !ok {
		r.logger.WarnContext(ctx, "Unknown rule, skipping step", "rule", name)

		return false
	}

	result, err := p(payload)
	if err != nil {
		r.logger.WarnContext(ctx, "Rule evaluation failed, skipping step", "rule", name, "error", err)

		return false
	}

	return result
}

// ExprRule compiles an expr-lang boolean expression over the payload map, for example
// `platform.vehicle_year >= 2015 && lead.state == "SP"`.
func ExprRule(expression string) (Predicate, error) {
	program, err := expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}

	return func(payload map[string]any) (bool, error) {
		out, err := expr.Run(program, payload)
		if err != nil {
			return false, err
		}

		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("expression returned %T, expected bool", out)
		}

		return b, nil
	}, nil
}
