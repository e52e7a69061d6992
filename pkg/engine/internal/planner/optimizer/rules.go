package optimizer

import (
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Rule levels. Gaps leave room for future rules; forward jumps through
// AddPlan target a level, not an index.
const (
	levelRemoveUnnecessaryFilters      = 100
	levelRemoveUnnecessaryCalculations = 200
	levelInterchangeAdjacentLoops      = 300
	levelUseIndexes                    = 400
	levelRemoveRedundantSorts          = 500
	levelDistributeInCluster           = 1000
	levelParallelizeGather             = 1100
)

func defaultRules() []Rule {
	return []Rule{
		{
			Name:          "remove-unnecessary-filters",
			Level:         levelRemoveUnnecessaryFilters,
			CanBeDisabled: true,
			Func:          removeUnnecessaryFilters,
		},
		{
			Name:          "remove-unnecessary-calculations",
			Level:         levelRemoveUnnecessaryCalculations,
			CanBeDisabled: true,
			Func:          removeUnnecessaryCalculations,
		},
		{
			Name:                     "interchange-adjacent-enumerations",
			Level:                    levelInterchangeAdjacentLoops,
			CanBeDisabled:            true,
			CanCreateAdditionalPlans: true,
			Func:                     interchangeAdjacentEnumerations,
		},
		{
			Name:          "use-indexes",
			Level:         levelUseIndexes,
			CanBeDisabled: true,
			Func:          useIndexes,
		},
		{
			Name:          "remove-redundant-sorts",
			Level:         levelRemoveRedundantSorts,
			CanBeDisabled: true,
			Func:          removeRedundantSorts,
		},
		{
			// Not disableable: a cluster plan without the scatter/gather
			// scaffolding cannot run at all.
			Name:  "distribute-in-cluster",
			Level: levelDistributeInCluster,
			Func:  distributeInCluster,
		},
		{
			Name:          "parallelize-gather",
			Level:         levelParallelizeGather,
			CanBeDisabled: true,
			Func:          parallelizeGather,
		},
	}
}

// producerOf returns the node that sets v, or nil.
func producerOf(p *physical.Plan, v physical.Variable) physical.Node {
	for _, n := range p.Graph().Nodes() {
		for _, set := range n.SetsVariables() {
			if set.ID == v.ID {
				return n
			}
		}
	}
	return nil
}

// removeUnnecessaryFilters drops filters over constant-true conditions and
// replaces filters over constant-false conditions with NoResults.
func removeUnnecessaryFilters(o *Optimizer, p *physical.Plan, r Rule) error {
	modified := false
	for _, n := range p.NodesOfKind(physical.NodeKindFilter) {
		f := n.(*physical.Filter)
		calc, ok := producerOf(p, f.In).(*physical.Calculation)
		if !ok {
			continue
		}
		lit, ok := calc.Expr.(*physical.LiteralExpr)
		if !ok {
			continue
		}
		val, ok := lit.Value.(bool)
		if !ok {
			continue
		}
		if val {
			p.EliminateNode(f)
		} else {
			p.ReplaceNode(f, &physical.NoResults{})
		}
		modified = true
	}
	o.AddPlan(p, r, modified, 0)
	return nil
}

// removeUnnecessaryCalculations drops deterministic calculations whose
// output no consumer reads. Runs to a fixed point because removing one
// calculation can orphan the inputs of another.
func removeUnnecessaryCalculations(o *Optimizer, p *physical.Plan, r Rule) error {
	modified := false
	for {
		if err := p.ComputeVarUsage(); err != nil {
			return err
		}
		removed := false
		for _, n := range p.NodesOfKind(physical.NodeKindCalculation) {
			calc := n.(*physical.Calculation)
			if calc.Expr != nil && !calc.Expr.Deterministic() {
				continue
			}
			if p.VarsUsedLater(calc).Contains(calc.Out) {
				continue
			}
			p.EliminateNode(calc)
			removed = true
		}
		if !removed {
			break
		}
		modified = true
	}
	o.AddPlan(p, r, modified, 0)
	return nil
}

// interchangeAdjacentEnumerations forks one alternative plan per directly
// adjacent pair of independent enumerations, with the pair swapped. The
// cost model then picks the ordering that enumerates the smaller input
// first.
func interchangeAdjacentEnumerations(o *Optimizer, p *physical.Plan, r Rule) error {
	type pair struct{ parent, child physical.NodeID }
	var pairs []pair

	isEnumeration := func(n physical.Node) bool {
		k := n.Kind()
		return k == physical.NodeKindEnumerateCollection || k == physical.NodeKindEnumerateList
	}

	for _, n := range p.Graph().Nodes() {
		if !isEnumeration(n) {
			continue
		}
		for _, child := range p.Children(n) {
			if !isEnumeration(child) {
				continue
			}
			// the upper loop must not consume what the lower one produces
			independent := true
			for _, used := range n.UsesVariables() {
				for _, set := range child.SetsVariables() {
					if used.ID == set.ID {
						independent = false
					}
				}
			}
			if independent {
				pairs = append(pairs, pair{parent: n.ID(), child: child.ID()})
			}
		}
	}

	for _, pr := range pairs {
		fork := p.Clone()
		parent := fork.NodeByID(pr.parent)
		child := fork.NodeByID(pr.child)
		if err := fork.SwapAdjacent(parent, child); err != nil {
			return err
		}
		o.AddPlan(fork, r, true, 0)
	}

	o.AddPlan(p, r, false, 0)
	return nil
}

// useIndexes replaces an EnumerateCollection+Filter pair with an IndexScan
// when the filter is a field equality covered by an index. On success the
// rule jumps the plan back so that the calculation feeding the removed
// filter can be cleaned up.
func useIndexes(o *Optimizer, p *physical.Plan, r Rule) error {
	modified := false
	for _, n := range p.NodesOfKind(physical.NodeKindFilter) {
		f := n.(*physical.Filter)
		calc, ok := producerOf(p, f.In).(*physical.Calculation)
		if !ok {
			continue
		}
		bin, ok := calc.Expr.(*physical.BinaryExpr)
		if !ok || bin.Op != physical.OpEq {
			continue
		}
		field, ok := bin.Left.(*physical.FieldExpr)
		if !ok {
			if field, ok = bin.Right.(*physical.FieldExpr); !ok {
				continue
			}
		}
		enum, ok := producerOf(p, field.Var).(*physical.EnumerateCollection)
		if !ok {
			continue
		}
		index, ok := o.Catalog().Index(o.Database(), enum.Collection(), field.Path)
		if !ok {
			continue
		}

		scan := physical.NewIndexScan(enum.Collection(), index, enum.Out, calc.Expr, enum.EstimatedNr, 0.1)
		p.ReplaceNode(enum, scan)
		p.EliminateNode(f)
		modified = true
	}
	if modified {
		o.AddPlan(p, r, true, levelRemoveUnnecessaryFilters)
	} else {
		o.AddPlan(p, r, false, 0)
	}
	return nil
}

// removeRedundantSorts drops a sort whose output is immediately re-sorted
// by its direct consumer.
func removeRedundantSorts(o *Optimizer, p *physical.Plan, r Rule) error {
	modified := false
	for _, n := range p.NodesOfKind(physical.NodeKindSort) {
		outer := n.(*physical.Sort)
		for _, child := range p.Children(outer) {
			if inner, ok := child.(*physical.Sort); ok && !inner.Stable {
				p.EliminateNode(inner)
				modified = true
			}
		}
	}
	o.AddPlan(p, r, modified, 0)
	return nil
}

// distributeInCluster wraps every collection access in the scatter/gather
// scaffolding that moves it onto the data servers. Reads get a Scatter
// when rows flow into them, writes always get a key-routed Distribute.
// The Remote nodes mark the network boundaries the snippet builder later
// cuts at.
func distributeInCluster(o *Optimizer, p *physical.Plan, r Rule) error {
	if o.Catalog().ServerRole() != types.RoleCoordinator {
		o.AddPlan(p, r, false, 0)
		return nil
	}

	modified := false
	for _, ca := range p.CollectionAccessors() {
		node := ca.(physical.Node)

		// already wrapped (e.g. a plan forked after this level)
		parents := p.Parents(node)
		if len(parents) == 1 && parents[0].Kind() == physical.NodeKindRemote {
			continue
		}

		shards, err := o.Catalog().Shards(o.Database(), ca.Collection())
		if err != nil {
			return err
		}

		gather := &physical.Gather{}
		if len(parents) == 1 {
			if s, ok := parents[0].(*physical.Sort); ok {
				gather.Elements = s.Elements
				gather.Mode = physical.GatherSortedHeap
				if len(shards) <= 2 {
					gather.Mode = physical.GatherSortedMinElement
				}
			}
		}
		if err := p.InsertAbove(node, &physical.Remote{}); err != nil {
			return err
		}
		remote := p.Parents(node)[0]
		if err := p.InsertAbove(remote, gather); err != nil {
			return err
		}

		children := p.Children(node)
		needsInput := len(children) > 0 && children[0].Kind() != physical.NodeKindSingleton
		if node.Kind().IsModification() || needsInput {
			var router physical.Node
			if mod, ok := node.(*physical.Modification); ok {
				dist := physical.NewDistribute(mod.Collection(), "_key", mod.In)
				dist.Clients = shards
				dist.CreateKeys = mod.Op == physical.NodeKindInsert || mod.Op == physical.NodeKindUpsert
				router = dist
			} else {
				router = &physical.Scatter{Clients: shards}
			}
			for _, child := range children {
				if err := p.InsertBetween(node, child, &physical.Remote{}, router); err != nil {
					return err
				}
			}
		}
		modified = true
	}

	o.AddPlan(p, r, modified, 0)
	return nil
}

// parallelizeGather lets read-only gathers drain their clients
// concurrently. Modifications keep the serial gather so that write
// ordering stays deterministic.
func parallelizeGather(o *Optimizer, p *physical.Plan, r Rule) error {
	for _, n := range p.Graph().Nodes() {
		if n.Kind().IsModification() {
			o.AddPlan(p, r, false, 0)
			return nil
		}
	}

	clients := 0
	for _, n := range p.Graph().Nodes() {
		switch sc := n.(type) {
		case *physical.Scatter:
			if len(sc.Clients) > clients {
				clients = len(sc.Clients)
			}
		case *physical.Distribute:
			if len(sc.Clients) > clients {
				clients = len(sc.Clients)
			}
		}
	}

	modified := false
	for _, n := range p.NodesOfKind(physical.NodeKindGather) {
		g := n.(*physical.Gather)
		if g.Parallelism != 0 {
			continue
		}
		par := clients
		if par == 0 {
			par = len(p.Children(g))
		}
		if par > 1 {
			g.Parallelism = uint32(par)
			modified = true
		}
	}
	o.AddPlan(p, r, modified, 0)
	return nil
}
