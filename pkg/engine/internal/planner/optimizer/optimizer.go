package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// DefaultMaxPlans bounds the number of alternative plans the search keeps
// alive at any time.
const DefaultMaxPlans = 128

// ProfileLevel controls how much execution detail a query records.
type ProfileLevel uint8

const (
	ProfileOff ProfileLevel = iota
	ProfileBasic
	ProfileBlocks
)

// Catalog answers the cluster topology questions the distribution rules
// ask. It is satisfied by the engine's shard resolver.
type Catalog interface {
	// ServerRole returns the role of the local server.
	ServerRole() types.ServerRole

	// Shards returns the ordered shard identifiers of a collection.
	Shards(database, collection string) ([]string, error)

	// Index returns the name of an index covering the given field of a
	// collection, if one exists.
	Index(database, collection, field string) (string, bool)
}

// Options are the per-query knobs recognized at submit time.
type Options struct {
	// MaxPlans bounds the optimizer fan-out. Zero means DefaultMaxPlans.
	MaxPlans int

	// Rules holds "+rule", "-rule", "+all", "-all" tokens applied in
	// order.
	Rules []string

	// InspectSimplePlans disables the dead-simple short-circuit.
	InspectSimplePlans bool

	Profile ProfileLevel
}

// Stats counts what a single optimization pass did.
type Stats struct {
	RulesExecuted int
	RulesSkipped  int
	PlansCreated  int
}

// planEntry pairs a candidate plan with its cursor into the rule table.
type planEntry struct {
	plan    *physical.Plan
	ruleIdx int
}

// Optimizer runs the rule-driven multi-plan search. An Optimizer instance
// serves a single query at a time; it runs on one goroutine and performs
// no I/O.
type Optimizer struct {
	logger   log.Logger
	database string
	catalog  Catalog
	rules    ruleSet

	maxPlans             int
	runOnlyRequiredRules bool

	plans    []planEntry
	newPlans []planEntry
	current  planEntry // entry whose rule is executing; AddPlan targets follow its cursor

	stats Stats

	warnings []string
}

// New creates an optimizer over the default rule table.
func New(logger log.Logger, database string, catalog Catalog) *Optimizer {
	return NewWithRules(logger, database, catalog, defaultRules())
}

// NewWithRules creates an optimizer over a caller-supplied rule table.
// Used by tests to exercise the search machinery with synthetic rules.
func NewWithRules(logger log.Logger, database string, catalog Catalog, rules []Rule) *Optimizer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Optimizer{
		logger:   logger,
		database: database,
		catalog:  catalog,
		rules:    newRuleSet(rules),
	}
}

// Database returns the database the optimized query runs against.
func (o *Optimizer) Database() string { return o.database }

// Catalog returns the cluster catalog rules may consult.
func (o *Optimizer) Catalog() Catalog { return o.catalog }

// Warn records a warning to be surfaced on the owning query.
func (o *Optimizer) Warn(format string, args ...any) {
	o.warnings = append(o.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns the warnings emitted during the last CreatePlans run.
func (o *Optimizer) Warnings() []string { return o.warnings }

// Stats returns the counters of the last CreatePlans run.
func (o *Optimizer) Stats() Stats { return o.stats }

// AddPlan hands a plan (back) to the optimizer. Rules call it zero or more
// times. The plan's cursor is positioned at newLevel's successor when
// newLevel is positive, otherwise just past the rule that is currently
// executing. wasModified records the rule in the plan's applied-rule log
// unless the rule is hidden.
func (o *Optimizer) AddPlan(p *physical.Plan, r Rule, wasModified bool, newLevel int) {
	p.SetValidity(true)

	idx := o.current.ruleIdx + 1
	if newLevel > 0 {
		idx = o.rules.upperBound(newLevel)
	}

	if wasModified {
		if !r.Hidden {
			p.AddAppliedRule(r.Name)
		}
		p.InvalidateCost()
		_ = p.ComputeVarUsage()
	}

	o.newPlans = append(o.newPlans, planEntry{plan: p, ruleIdx: idx})

	// stop adding new plans once we have enough
	if len(o.plans)+len(o.newPlans) >= o.maxPlans {
		o.runOnlyRequiredRules = true
	}
}

// CreatePlans runs the search over the seed plan and returns the surviving
// plans sorted ascending by estimated cost. It always returns at least one
// plan on success.
func (o *Optimizer) CreatePlans(seed *physical.Plan, opts Options, estimateAllPlans bool) ([]*physical.Plan, error) {
	o.stats = Stats{}
	o.warnings = nil
	o.runOnlyRequiredRules = false
	o.maxPlans = opts.MaxPlans
	if o.maxPlans <= 0 {
		o.maxPlans = DefaultMaxPlans
	}

	// disable rules that are off unless explicitly requested
	for _, r := range o.rules.rules {
		if r.DisabledByDefault {
			seed.DisableRule(r.Name)
		}
	}

	if !opts.InspectSimplePlans && o.catalog.ServerRole() != types.RoleCoordinator && seed.IsDeadSimple() {
		// the plan is so simple that optimizing it would cost more than
		// executing it
		if err := seed.ComputeVarUsage(); err != nil {
			return nil, err
		}
		if estimateAllPlans || opts.Profile >= ProfileBlocks {
			seed.InvalidateCost()
			if _, err := seed.Cost(); err != nil {
				return nil, err
			}
		}
		o.stats.PlansCreated = 1
		return []*physical.Plan{seed}, nil
	}

	if err := o.applyRuleSelection(seed, opts.Rules); err != nil {
		return nil, err
	}

	o.plans = []planEntry{{plan: seed, ruleIdx: 0}}
	o.newPlans = o.newPlans[:0]

	for {
		for len(o.plans) > 0 {
			o.current = o.plans[0]
			o.plans = o.plans[1:]

			if o.current.ruleIdx >= o.rules.len() {
				// fully optimized, just keep it
				o.newPlans = append(o.newPlans, o.current)
				continue
			}

			rule := o.rules.rules[o.current.ruleIdx]

			// Skip disabled rules, and optional plan-forking rules once
			// the fan-out bound has been hit. Skipping must keep the
			// plan, only the cursor moves.
			if o.current.plan.IsDisabledRule(rule.Name) ||
				(o.runOnlyRequiredRules && rule.CanCreateAdditionalPlans && rule.CanBeDisabled) {
				o.newPlans = append(o.newPlans, planEntry{plan: o.current.plan, ruleIdx: o.current.ruleIdx + 1})
				if !rule.Hidden {
					o.stats.RulesSkipped++
				}
				continue
			}

			p := o.current.plan
			if err := p.ComputeVarUsage(); err != nil {
				o.discardNewPlans()
				return nil, err
			}

			// The plan is owned by the rule until it is re-added.
			p.SetValidity(false)
			if err := rule.Func(o, p, rule); err != nil {
				o.discardNewPlans()
				return nil, fmt.Errorf("optimizer rule %s: %w", rule.Name, err)
			}
			if !rule.Hidden {
				o.stats.RulesExecuted++
			}
		}

		o.plans, o.newPlans = o.newPlans, o.plans[:0]

		done := true
		for _, e := range o.plans {
			if e.ruleIdx < o.rules.len() {
				done = false
				break
			}
		}
		if done {
			break
		}
	}

	o.stats.PlansCreated = len(o.plans)
	if len(o.plans) == 0 {
		return nil, fmt.Errorf("optimization left no plans")
	}

	// finalization: recompute variable usage on all survivors
	out := make([]*physical.Plan, len(o.plans))
	for i, e := range o.plans {
		if err := e.plan.ComputeVarUsage(); err != nil {
			return nil, err
		}
		out[i] = e.plan
	}

	// cost estimation is only needed when there is a choice to make or
	// when profiling demands it
	if estimateAllPlans || len(out) > 1 || opts.Profile >= ProfileBlocks {
		for _, p := range out {
			p.InvalidateCost()
			if _, err := p.Cost(); err != nil {
				return nil, err
			}
		}
		if len(out) > 1 {
			sort.SliceStable(out, func(i, j int) bool {
				ci, _ := out[i].Cost()
				cj, _ := out[j].Cost()
				return ci.Cost < cj.Cost
			})
		}
	}

	level.Debug(o.logger).Log(
		"msg", "optimization finished",
		"plans", len(out),
		"rules_executed", o.stats.RulesExecuted,
		"rules_skipped", o.stats.RulesSkipped,
	)
	return out, nil
}

func (o *Optimizer) discardNewPlans() {
	// plans already moved to the next pass are discarded on rule failure
	o.newPlans = o.newPlans[:0]
	o.plans = nil
}

// applyRuleSelection applies "+rule"/"-rule"/"+all"/"-all" tokens in
// order. Unknown rule names produce a warning, not an error.
func (o *Optimizer) applyRuleSelection(p *physical.Plan, tokens []string) error {
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		enable := true
		name := tok
		switch tok[0] {
		case '-':
			enable = false
			name = tok[1:]
		case '+':
			name = tok[1:]
		}

		if strings.EqualFold(name, "all") {
			for _, r := range o.rules.rules {
				if !enable && r.CanBeDisabled {
					p.DisableRule(r.Name)
				}
				if enable && !r.DisabledByDefault {
					p.EnableRule(r.Name)
				}
			}
			continue
		}

		idx, ok := o.rules.byName(name)
		if !ok {
			o.Warn("unknown optimizer rule %q", name)
			continue
		}
		r := o.rules.rules[idx]
		if enable {
			p.EnableRule(r.Name)
		} else if r.CanBeDisabled {
			p.DisableRule(r.Name)
		}
	}
	return nil
}
