// Package optimizer implements the multi-plan, cost-ranked plan rewriting
// search. Rules are kept in a data-driven table ordered by level; each rule
// may modify a plan in place or fork additional candidate plans, and the
// cheapest surviving plan wins.
package optimizer

import (
	"slices"
	"sort"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
)

// RuleFunc transforms a plan. On entry the rule owns p; before returning it
// must either re-insert p (possibly modified) via [Optimizer.AddPlan],
// insert one or more derived plans, or neither, in which case p is
// dropped. A rule that returns an error surrenders ownership to the
// optimizer, which drops p and propagates the error. A rule must never
// both drop p and add it back.
type RuleFunc func(o *Optimizer, p *physical.Plan, r Rule) error

// Rule is one entry of the rule table.
type Rule struct {
	// Name identifies the rule in applied-rule logs and in user-supplied
	// "+rule"/"-rule" selections.
	Name string

	// Level defines iteration order and the targets of forward jumps.
	// Rules with equal level execute in registration order.
	Level int

	// Hidden excludes the rule from applied-rule logs.
	Hidden bool

	// DisabledByDefault rules only run when explicitly enabled.
	DisabledByDefault bool

	// CanBeDisabled rules honor "-rule" selections. Required cluster
	// distribution rules must not be disabled.
	CanBeDisabled bool

	// CanCreateAdditionalPlans marks rules that may fork plans. Once the
	// plan fan-out bound is reached, rules that are both optional and
	// capable of adding plans are skipped.
	CanCreateAdditionalPlans bool

	Func RuleFunc
}

// ruleSet is an immutable, level-ordered rule table.
type ruleSet struct {
	rules []Rule
}

func newRuleSet(rules []Rule) ruleSet {
	sorted := slices.Clone(rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
	return ruleSet{rules: sorted}
}

func (s ruleSet) len() int { return len(s.rules) }

// upperBound returns the index of the first rule with a level strictly
// greater than level. Used to resolve forward jumps requested through
// AddPlan's newLevel argument.
func (s ruleSet) upperBound(level int) int {
	return sort.Search(len(s.rules), func(i int) bool { return s.rules[i].Level > level })
}

func (s ruleSet) byName(name string) (int, bool) {
	for i, r := range s.rules {
		if r.Name == name {
			return i, true
		}
	}
	return 0, false
}
