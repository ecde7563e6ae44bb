package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/engine"
)

// Config selects extra policies and the data they can read.
type Config struct {
	// Paths are .rego files or directories of them.
	Paths []string `yaml:"paths" json:"paths"`

	// Watch reloads Paths when they change.
	Watch bool `yaml:"watch" json:"watch"`

	// Data is exposed to policies under data.
	Data map[string]interface{} `yaml:"data" json:"data,omitempty"`
}

// Guard evaluates deletion requests against Rego policies. It implements
// engine.DeletionGuard.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	cfg      Config
	loader   *Loader
	logger   zerolog.Logger
	now      func() time.Time
}

type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewGuard compiles the builtin policies and the policies under cfg.Paths.
func NewGuard(ctx context.Context, cfg Config, logger zerolog.Logger) (*Guard, error) {
	data := cfg.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(data),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy-guard").Logger(),
		now:      time.Now,
	}
	g.loader = NewLoader(g.logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := g.compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		g.policies[cp.policy.Name] = cp
	}

	if len(cfg.Paths) > 0 {
		policies, err := g.loader.LoadFromPaths(ctx, cfg.Paths)
		if err != nil {
			return nil, err
		}
		if err := g.Replace(ctx, policies); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// AllowDelete implements engine.DeletionGuard. Every enabled policy is
// evaluated; any error or critical violation denies the deletion.
func (g *Guard) AllowDelete(ctx context.Context, req *engine.DeletionRequest) (*engine.GuardDecision, error) {
	input := NewInput(req, g.now())
	violations, err := g.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	decision := &engine.GuardDecision{Allowed: true}
	for _, v := range violations {
		if !v.Severity.Blocks() {
			g.logger.Warn().
				Str("policy", v.Policy).
				Str("instance", input.Instance.UUID).
				Msg(v.Message)
			continue
		}
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return decision, nil
}

// Evaluate runs every enabled policy against input, in name order.
func (g *Guard) Evaluate(ctx context.Context, input *Input) ([]Violation, error) {
	g.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(g.policies))
	for _, cp := range g.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	g.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	var out []Violation
	for _, cp := range compiled {
		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s: evaluation error: %w", cp.policy.Name, err)
		}
		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denied, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denied {
				out = append(out, newViolation(cp.policy, d))
			}
		}
	}
	return out, nil
}

// newViolation reads a deny entry, either a message string or an object
// with message and severity.
func newViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", r)
	}
	return v
}

// compile parses p and prepares its deny query.
func (g *Guard) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy is empty")
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(g.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = g.now()
	}

	g.logger.Debug().Str("policy", p.Name).Msg("Policy compiled successfully")
	return &compiledPolicy{policy: p, module: module, query: query, compiled: g.now()}, nil
}

// Replace swaps the loaded policies for policies. Builtins are kept. Nothing
// changes when any policy fails to compile or shadows a builtin.
func (g *Guard) Replace(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := g.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		if _, dup := next[p.Name]; dup {
			return fmt.Errorf("duplicate policy %s", p.Name)
		}
		next[p.Name] = cp
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, cp := range g.policies {
		if !cp.policy.Builtin {
			continue
		}
		if _, clash := next[name]; clash {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
		next[name] = cp
	}
	g.policies = next

	g.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Watch reloads the configured paths whenever they change, until ctx is
// done. It does nothing unless the config enables watching.
func (g *Guard) Watch(ctx context.Context) error {
	if !g.cfg.Watch || len(g.cfg.Paths) == 0 {
		return nil
	}
	return g.loader.Watch(ctx, g.cfg.Paths, func(policies []Policy) error {
		return g.Replace(ctx, policies)
	})
}

// Close stops watching.
func (g *Guard) Close() error {
	return g.loader.StopWatching()
}

// ErrPolicyNotFound is returned for names the guard does not hold.
var ErrPolicyNotFound = errors.New("policy not found")

// GetPolicy returns a policy by name.
func (g *Guard) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (g *Guard) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Guard) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Guard) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

var _ engine.DeletionGuard = (*Guard)(nil)
