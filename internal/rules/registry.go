// Package rules holds the declarative compliance rules and evaluates them
// against feature vectors.
package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// Rule is a compiled rule definition.
type Rule struct {
	ref  domain.RuleRef
	pred Predicate
}

// Ref returns the serialisable identity of the rule.
func (r *Rule) Ref() domain.RuleRef { return r.ref }

// Snapshot is one complete, immutable rule set.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	rules    []*Rule
}

// Version increases by one on every successful reload.
func (s *Snapshot) Version() int64 { return s.version }

// LoadedAt is when the snapshot became active.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of enabled rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// Refs returns every rule in registration order.
func (s *Snapshot) Refs() []domain.RuleRef {
	out := make([]domain.RuleRef, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.ref
	}
	return out
}

// applicable returns the rules for region plus GLOBAL ones, in registration order.
func (s *Snapshot) applicable(region domain.Region) []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.ref.Region == region || r.ref.Region == domain.RegionGlobal {
			out = append(out, r)
		}
	}
	return out
}

// Evaluation is the outcome of running a snapshot against one vector.
type Evaluation struct {
	// Triggered are the breached rules in registration order.
	Triggered []domain.Violation

	// Applicable are all rules that were evaluated, in registration order.
	Applicable []domain.RuleRef

	Version int64
}

// Registry holds the active snapshot. Reads are lock-free; reloads are
// serialized and swap the snapshot atomically.
type Registry struct {
	env   *cel.Env
	kinds map[string]domain.ValueKind

	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]

	logger      *slog.Logger
	now         func() time.Time
	onEvalError func(ruleID string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for rule evaluation failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithEvalErrorHook is called with the rule ID whenever a predicate fails.
func WithEvalErrorHook(fn func(ruleID string)) Option {
	return func(r *Registry) { r.onEvalError = fn }
}

// WithClock sets the clock stamped on snapshots.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry with an empty snapshot. kinds declares the
// typed feature variables visible to rule expressions.
func NewRegistry(kinds map[string]domain.ValueKind, opts ...Option) (*Registry, error) {
	env, err := newEnv(kinds)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		env:    env,
		kinds:  kinds,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&Snapshot{loadedAt: r.now()})
	return r, nil
}

// Snapshot returns the active rule set.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

// Validate compiles defs without activating them.
func (r *Registry) Validate(defs []domain.RuleDefinition) error {
	_, err := r.compile(defs)
	return err
}

// Reload compiles defs into a new snapshot and activates it. On any error
// the active snapshot stays in effect and a ConfigurationError is returned.
func (r *Registry) Reload(defs []domain.RuleDefinition) (*Snapshot, error) {
	compiled, err := r.compile(defs)
	if err != nil {
		return nil, err
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	next := &Snapshot{
		version:  r.current.Load().version + 1,
		loadedAt: r.now(),
		rules:    compiled,
	}
	r.current.Store(next)
	return next, nil
}

func (r *Registry) compile(defs []domain.RuleDefinition) ([]*Rule, error) {
	seen := make(map[string]bool, len(defs))
	out := make([]*Rule, 0, len(defs))

	for i := range defs {
		def := &defs[i]
		if def.ID == "" {
			return nil, domain.NewConfigError(fmt.Sprintf("rules[%d]", i), "rule id is required")
		}
		if seen[def.ID] {
			return nil, domain.NewConfigError(def.ID, "duplicate rule id")
		}
		seen[def.ID] = true

		if !domain.ValidRuleRegion(def.Region) {
			return nil, domain.NewConfigError(def.ID, "unknown region %q", def.Region)
		}
		if !def.Severity.Valid() {
			return nil, domain.NewConfigError(def.ID, "unknown severity %q", def.Severity)
		}
		if def.Regulation == "" {
			return nil, domain.NewConfigError(def.ID, "regulation is required")
		}

		var pred Predicate
		var err error
		switch {
		case def.Expression != "" && def.When != nil:
			return nil, domain.NewConfigError(def.ID, "expression and when are mutually exclusive")
		case def.Expression != "":
			pred, err = compileExpr(r.env, def.Expression)
		case def.When != nil:
			pred, err = compileTree(def.When, r.kinds)
		default:
			return nil, domain.NewConfigError(def.ID, "empty predicate")
		}
		if err != nil {
			return nil, &domain.ConfigurationError{Source: def.ID, Cause: err}
		}

		if !def.IsEnabled() {
			continue
		}
		out = append(out, &Rule{
			ref: domain.RuleRef{
				ID:          def.ID,
				Region:      def.Region,
				Regulation:  def.Regulation,
				Severity:    def.Severity,
				Description: def.Description,
				Remediation: def.Remediation,
				Order:       len(out),
			},
			pred: pred,
		})
	}
	return out, nil
}

// Evaluate runs every rule applicable to region against v. A predicate that
// errors or panics is reported as a triggered critical violation and the
// remaining rules still run.
func (r *Registry) Evaluate(region domain.Region, v *domain.FeatureVector) Evaluation {
	snap := r.current.Load()
	rules := snap.applicable(region)

	ev := Evaluation{
		Applicable: make([]domain.RuleRef, 0, len(rules)),
		Version:    snap.version,
	}
	for _, rule := range rules {
		ev.Applicable = append(ev.Applicable, rule.ref)

		breached, err := r.eval(rule, v)
		if err != nil {
			r.logger.Warn("rule evaluation failed",
				"rule_id", rule.ref.ID,
				"subject_id", v.SubjectID,
				"error", err,
			)
			if r.onEvalError != nil {
				r.onEvalError(rule.ref.ID)
			}
			ev.Triggered = append(ev.Triggered, domain.Violation{
				Rule:            rule.ref,
				Severity:        domain.SeverityCritical,
				Reason:          domain.ReasonEvaluationError + ": " + err.Error(),
				EvaluationError: true,
			})
			continue
		}
		if breached {
			ev.Triggered = append(ev.Triggered, domain.Violation{
				Rule:     rule.ref,
				Severity: rule.ref.Severity,
				Reason:   rule.ref.Description,
			})
		}
	}
	return ev
}

func (r *Registry) eval(rule *Rule, v *domain.FeatureVector) (breached bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.RuleEvaluationError{RuleID: rule.ref.ID, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	breached, err = rule.pred.Eval(v)
	if err != nil {
		return false, &domain.RuleEvaluationError{RuleID: rule.ref.ID, Cause: err}
	}
	return breached, nil
}

// Rules returns the rules applicable to region, optionally narrowed to one regulation.
func (r *Registry) Rules(region domain.Region, regulation string) []domain.RuleRef {
	var out []domain.RuleRef
	for _, rule := range r.current.Load().applicable(region) {
		if regulation == "" || rule.ref.Regulation == regulation {
			out = append(out, rule.ref)
		}
	}
	return out
}

// Regulations lists the regulations with rules applicable to region, in
// order of first registration.
func (r *Registry) Regulations(region domain.Region) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rule := range r.current.Load().applicable(region) {
		if !seen[rule.ref.Regulation] {
			seen[rule.ref.Regulation] = true
			out = append(out, rule.ref.Regulation)
		}
	}
	return out
}
