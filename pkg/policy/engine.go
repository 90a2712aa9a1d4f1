package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/harden/pkg/engine"
)

// Engine evaluates guard policies against loaded documents.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(ctx context.Context, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// LoadPolicies compiles the policies found at paths (files or directories).
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// AddPolicy compiles and registers a single policy, replacing one with the
// same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &p)
}

// Evaluate runs every enabled policy against the document.
func (e *Engine) Evaluate(ctx context.Context, doc *engine.Document) (*Result, error) {
	started := time.Now()
	input, err := documentInput(doc)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.order {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		result.Violations = append(result.Violations, found...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(started)

	e.logger.Debug().
		Str("document", doc.Name).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("Document policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var out []Violation
	for _, result := range rs {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			out = append(out, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Message < out[j].Message
	})
	return out, nil
}

// createViolation builds a Violation from a deny set member, which is either
// a message string or an object with message, resource and severity.
func createViolation(p *Policy, value any) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]any:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
		if sev, ok := d["severity"].(string); ok && Severity(sev).Validate() == nil {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}

// compileAndStorePolicy parses the module, derives the deny query from its
// package path and prepares it. Callers hold the write lock or own e.
func (e *Engine) compileAndStorePolicy(ctx context.Context, p *Policy) error {
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if err := p.Severity.Validate(); err != nil {
		return err
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if _, exists := e.policies[p.Name]; !exists {
		e.order = append(e.order, p.Name)
	}
	e.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}

	e.logger.Debug().Str("policy", p.Name).Str("query", query).Msg("Policy compiled")
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
	return cp.policy, nil
}

// ListPolicies returns all loaded policies in registration order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// DisablePolicy stops a policy from being evaluated.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")
	return nil
}

// documentInput renders the document as plain JSON values for Rego.
func documentInput(doc *engine.Document) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document for policy input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	if _, ok := input["handlers"]; !ok {
		input["handlers"] = map[string]any{}
	}
	return input, nil
}
