package physical

import (
	"math"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/util/dag"
)

// CostEstimate is the estimated cost of executing a node together with the
// estimated number of rows it produces. Costs are non-negative and
// monotonically non-decreasing with dependency cost.
type CostEstimate struct {
	Cost  float64
	Items uint64
}

const (
	// defaultListLength is assumed for list enumerations whose input size
	// is unknown at planning time.
	defaultListLength = 100

	// remotePenalty is added per row crossing a network boundary.
	remotePenalty = 2.0

	// defaultFilterSelectivity is the fraction of rows assumed to survive
	// a filter when no better estimate exists.
	defaultFilterSelectivity = 0.5
)

// Cost returns the plan's total estimated cost, computing and memoizing it
// on first use. Any structural mutation invalidates the memo.
func (p *Plan) Cost() (CostEstimate, error) {
	if p.cost != nil {
		return *p.cost, nil
	}

	root, err := p.Root()
	if err != nil {
		return CostEstimate{}, err
	}

	memo := make(map[NodeID]CostEstimate, p.graph.Len())
	err = p.graph.Walk(root, func(n Node) error {
		deps := p.graph.Children(n)
		var in CostEstimate
		for _, d := range deps {
			dc := memo[d.ID()]
			in.Cost += dc.Cost
			in.Items += dc.Items
		}
		memo[n.ID()] = p.estimateNode(n, in, memo)
		return nil
	}, dag.PostOrderWalk)
	if err != nil {
		return CostEstimate{}, err
	}

	total := memo[root.ID()]
	p.cost = &total
	return total, nil
}

// estimateNode computes the cost of a single node given the combined cost
// of its dependencies. Every formula adds a non-negative amount to the
// dependency cost, which keeps plan cost monotonic.
func (p *Plan) estimateNode(n Node, in CostEstimate, memo map[NodeID]CostEstimate) CostEstimate {
	items := in.Items
	cost := in.Cost

	switch n := n.(type) {
	case *Singleton:
		return CostEstimate{Cost: cost + 1, Items: 1}

	case *NoResults:
		return CostEstimate{Cost: cost + 0.5, Items: 0}

	case *EnumerateCollection:
		produced := items * max(n.EstimatedNr, 1)
		return CostEstimate{Cost: cost + float64(produced), Items: produced}

	case *EnumerateList:
		produced := items * defaultListLength
		return CostEstimate{Cost: cost + float64(produced), Items: produced}

	case *IndexScan:
		sel := n.Selectivity
		if sel <= 0 || sel > 1 {
			sel = 0.1
		}
		matched := uint64(math.Ceil(float64(max(n.EstimatedNr, 1)) * sel))
		produced := items * max(matched, 1)
		// index lookups cost log(n) per input row plus the produced rows
		lookup := float64(items) * math.Log2(float64(max(n.EstimatedNr, 2)))
		return CostEstimate{Cost: cost + lookup + float64(produced), Items: produced}

	case *Calculation:
		return CostEstimate{Cost: cost + float64(items), Items: items}

	case *Filter:
		kept := uint64(math.Ceil(float64(items) * defaultFilterSelectivity))
		return CostEstimate{Cost: cost + float64(items), Items: kept}

	case *Sort:
		if items > 1 {
			cost += float64(items) * math.Log2(float64(items))
		}
		return CostEstimate{Cost: cost, Items: items}

	case *Aggregate:
		kept := items
		if len(n.GroupVars) > 0 {
			kept = max(items/2, 1)
		} else {
			kept = 1
		}
		return CostEstimate{Cost: cost + float64(items), Items: kept}

	case *Limit:
		kept := items
		if kept > n.Offset {
			kept -= n.Offset
		} else {
			kept = 0
		}
		kept = min(kept, n.Count)
		return CostEstimate{Cost: cost + float64(kept), Items: kept}

	case *Subquery:
		// one subquery execution per input row
		sub := memo[n.SubqueryRoot]
		if sub == (CostEstimate{}) {
			if root := p.NodeByID(n.SubqueryRoot); root != nil {
				sub = p.estimateSubtree(root)
			}
		}
		return CostEstimate{Cost: cost + float64(items)*max64(sub.Cost, 1), Items: items}

	case *Remote:
		return CostEstimate{Cost: cost + float64(items)*remotePenalty, Items: items}

	case *Scatter, *Distribute, *DistributeConsumer:
		return CostEstimate{Cost: cost + float64(items), Items: items}

	case *Gather:
		if n.Mode != GatherUnsorted && items > 1 {
			cost += float64(items) * math.Log2(float64(items))
		}
		return CostEstimate{Cost: cost + float64(items), Items: items}

	case *Traversal:
		depth := max(uint64(n.MaxDepth), 1)
		produced := items * depth * 10
		return CostEstimate{Cost: cost + float64(produced), Items: produced}

	case *ShortestPath, *KShortestPaths:
		produced := items * 10
		return CostEstimate{Cost: cost + float64(produced), Items: produced}

	case *View:
		produced := items * 1000
		return CostEstimate{Cost: cost + float64(produced), Items: produced}

	case *Materialize:
		return CostEstimate{Cost: cost + float64(items)*2, Items: items}

	default:
		// Return, Modification and any passthrough kind
		return CostEstimate{Cost: cost + float64(items), Items: items}
	}
}

// estimateSubtree computes the cost of a detached subtree (a subquery).
func (p *Plan) estimateSubtree(root Node) CostEstimate {
	memo := make(map[NodeID]CostEstimate)
	_ = p.graph.Walk(root, func(n Node) error {
		var in CostEstimate
		for _, d := range p.graph.Children(n) {
			dc := memo[d.ID()]
			in.Cost += dc.Cost
			in.Items += dc.Items
		}
		memo[n.ID()] = p.estimateNode(n, in, memo)
		return nil
	}, dag.PostOrderWalk)
	return memo[root.ID()]
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
