// Package rules loads threshold rules and evaluates them with CEL-Go.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kpiwatch/internal/domain"
)

// Engine holds one compiled CEL comparison per rule.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule       *domain.Rule
	Expression string
	Program    cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.compiledRules[rule.Code] = compiled
	return nil
}

// LoadRules compiles every rule it can and returns the ones that failed.
// A failing rule never prevents the others from loading.
func (e *Engine) LoadRules(rules []*domain.Rule) []*RuleError {
	var failed []*RuleError
	for _, rule := range rules {
		if err := e.LoadRule(rule); err != nil {
			failed = append(failed, &RuleError{Code: rule.Code, Field: ColOperator, Err: err})
		}
	}
	return failed
}

// Violates reports whether value breaches the rule's threshold.
func (e *Engine) Violates(code string, value float64) (bool, error) {
	e.mu.RLock()
	compiled, ok := e.compiledRules[code]
	e.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("rule %s is not loaded", code)
	}

	out, _, err := compiled.Program.Eval(map[string]any{
		"value":     value,
		"threshold": compiled.Rule.Threshold,
	})
	if err != nil {
		return false, fmt.Errorf("rule %s: evaluation error: %w", code, err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expected bool result, got %s", code, out.Type())
	}
	return bool(b), nil
}

// Rule returns a loaded rule by code.
func (e *Engine) Rule(code string) (*domain.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	compiled, ok := e.compiledRules[code]
	if !ok {
		return nil, false
	}
	return compiled.Rule, true
}

// Rules returns the loaded rules ordered by code.
func (e *Engine) Rules() []*domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.Rule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Code < rules[j].Code })
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.Rule) (*CompiledRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is required")
	}

	expr, err := comparisonExpression(rule.Operator)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.Code, err)
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.Code, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.Code, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.Code, err)
	}

	return &CompiledRule{
		Rule:       rule,
		Expression: expr,
		Program:    program,
	}, nil
}

func comparisonExpression(op domain.Operator) (string, error) {
	switch op {
	case domain.OpGreater, domain.OpLess, domain.OpGreaterEqual, domain.OpLessEqual, domain.OpNotEqual:
		return "value " + string(op) + " threshold", nil
	case domain.OpEqual:
		return "value == threshold", nil
	}
	return "", fmt.Errorf("unsupported operator %q", op)
}
