package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/mandelcache/mandelcache/pkg/engine"
)

// Engine evaluates Rego policies against generation plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	limits   Limits
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared for evaluation.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(ctx context.Context, logger zerolog.Logger, limits Limits) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		limits:   limits,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Limits returns the budgets passed to every evaluation.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Evaluate runs every enabled policy against input. A policy that fails to evaluate
// fails the whole evaluation.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, Evaluated: []string{}}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.Evaluated = append(result.Evaluated, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocks() {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Strs("policies", result.Evaluated).
		Dur("duration", result.Duration).
		Msg("Policies evaluated")

	return result, nil
}

// Check evaluates plan against the engine's limits and returns a POLICY_DENIED error
// when a blocking violation is found. Warnings are logged.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan) (*Result, error) {
	result, err := e.Evaluate(ctx, NewInput(plan, e.limits))
	if err != nil {
		return nil, engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodeInternal).
			WithViewport(plan.Spec.Key().String()).
			WithOperation("policy")
	}

	for _, v := range result.Violations {
		if !v.Severity.Blocks() {
			e.logger.Warn().Str("policy", v.Policy).Str("viewport", plan.Spec.Key().String()).Msg(v.Message)
		}
	}

	if !result.Allowed {
		blocking := result.Blocking()
		messages := make([]string, 0, len(blocking))
		for _, v := range blocking {
			messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
		return result, engine.NewPermanentError("generation denied by policy", errors.New(strings.Join(messages, "; "))).
			WithCode(engine.ErrCodePolicyDenied).
			WithViewport(plan.Spec.Key().String()).
			WithOperation("policy").
			WithDetail("violations", blocking)
	}

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation turns one deny element into a Violation. Elements may be plain
// strings or objects with message and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			violation.Message = fmt.Sprintf("%v", v)
		} else {
			violation.Message = string(data)
		}
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	hasDeny := false
	for _, rule := range module.Rules {
		if rule.Head.Ref().String() == "deny" {
			hasDeny = true
			break
		}
	}
	if !hasDeny {
		return nil, fmt.Errorf("policy %s defines no deny rule", policy.Name)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// AddPolicy compiles policy and adds it, replacing a policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, &policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[policy.Name]; exists {
		e.logger.Info().Str("policy", policy.Name).Msg("Replacing policy")
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Time("compiled", cp.compiled).
		Msg("Policy compiled successfully")

	return nil
}

// LoadPolicies loads and compiles the policies found in paths. Nothing is added when
// any of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("%s: %w", policies[i].Source, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Strs("paths", paths).
		Msg("Policies loaded")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops every loaded policy and restores the built-in ones.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Debug().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

// sortedNames returns the policy names in order. The caller holds e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
