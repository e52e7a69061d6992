package physical

import (
	"fmt"
	"slices"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/util/dag"
)

// Plan owns a DAG of execution nodes with a single root. Plans are created
// by the query parser, mutated only by optimizer rules, and become
// immutable after the optimizer's finalization pass.
type Plan struct {
	graph  dag.Graph[Node]
	byID   map[NodeID]Node
	nextID NodeID

	appliedRules  []string
	disabledRules map[string]struct{}

	valid     bool
	finalized bool

	// lazily computed, invalidated on structural mutation
	cost          *CostEstimate
	varsUsedLater map[NodeID]VarSet
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{
		byID:          make(map[NodeID]Node),
		disabledRules: make(map[string]struct{}),
		valid:         true,
	}
}

// AddNode inserts a node into the plan, assigning a fresh node id if the
// node does not carry one. Node construction failures are fatal to the
// containing plan.
func (p *Plan) AddNode(n Node) {
	if p.finalized {
		panic("AddNode called on finalized plan")
	}
	if n.ID() == 0 {
		p.nextID++
		n.setID(p.nextID)
	} else if n.ID() > p.nextID {
		p.nextID = n.ID()
	}
	if existing, ok := p.byID[n.ID()]; ok && existing != n {
		panic(fmt.Sprintf("duplicate node id %s in plan", n.ID()))
	}
	p.graph.Add(n)
	p.byID[n.ID()] = n
	p.invalidate()
}

// AddDependency makes child a dependency of parent. Both nodes must
// already belong to the plan.
func (p *Plan) AddDependency(parent, child Node) error {
	if p.finalized {
		panic("AddDependency called on finalized plan")
	}
	p.invalidate()
	return p.graph.AddEdge(dag.Edge[Node]{Parent: parent, Child: child})
}

// NodeByID returns the node with the given id, or nil.
func (p *Plan) NodeByID(id NodeID) Node { return p.byID[id] }

// Len returns the number of nodes in the plan.
func (p *Plan) Len() int { return p.graph.Len() }

// Graph exposes the underlying node graph. Mutating it directly bypasses
// plan bookkeeping; only the snippet builder does this, via FromGraph.
func (p *Plan) Graph() *dag.Graph[Node] { return &p.graph }

// Root returns the single root node of the plan.
func (p *Plan) Root() (Node, error) { return p.graph.Root() }

// Roots returns all parentless nodes. A well-formed plan has the terminal
// node plus one root per detached subquery subtree.
func (p *Plan) Roots() []Node { return p.graph.Roots() }

// Children returns the dependencies of n in order.
func (p *Plan) Children(n Node) []Node { return p.graph.Children(n) }

// Parents returns the consumers of n.
func (p *Plan) Parents(n Node) []Node { return p.graph.Parents(n) }

// EliminateNode removes n, re-linking its parents to its children.
func (p *Plan) EliminateNode(n Node) {
	if p.finalized {
		panic("EliminateNode called on finalized plan")
	}
	p.graph.Eliminate(n)
	delete(p.byID, n.ID())
	p.invalidate()
}

// ReplaceNode swaps n for repl, keeping all edges.
func (p *Plan) ReplaceNode(n, repl Node) {
	if p.finalized {
		panic("ReplaceNode called on finalized plan")
	}
	if repl.ID() == 0 {
		p.nextID++
		repl.setID(p.nextID)
	}
	p.byID[repl.ID()] = repl
	p.graph.Inject(n, repl)
	p.graph.Delete(n)
	delete(p.byID, n.ID())
	p.invalidate()
}

// InsertAbove inserts n between target and all of target's parents.
func (p *Plan) InsertAbove(target, n Node) error {
	if p.finalized {
		panic("InsertAbove called on finalized plan")
	}
	parents := slices.Clone(p.graph.Parents(target))
	p.AddNode(n)
	for _, parent := range parents {
		p.graph.RemoveEdge(dag.Edge[Node]{Parent: parent, Child: target})
		if err := p.graph.AddEdge(dag.Edge[Node]{Parent: parent, Child: n}); err != nil {
			return err
		}
	}
	if err := p.graph.AddEdge(dag.Edge[Node]{Parent: n, Child: target}); err != nil {
		return err
	}
	p.invalidate()
	return nil
}

// InsertBetween replaces the edge parent→child with the chain
// parent→nodes[0]→…→nodes[len-1]→child. The chain nodes are added to the
// plan if needed.
func (p *Plan) InsertBetween(parent, child Node, nodes ...Node) error {
	if p.finalized {
		panic("InsertBetween called on finalized plan")
	}
	if len(nodes) == 0 {
		return nil
	}
	p.graph.RemoveEdge(dag.Edge[Node]{Parent: parent, Child: child})

	prev := parent
	for _, n := range nodes {
		p.AddNode(n)
		if err := p.graph.AddEdge(dag.Edge[Node]{Parent: prev, Child: n}); err != nil {
			return err
		}
		prev = n
	}
	if err := p.graph.AddEdge(dag.Edge[Node]{Parent: prev, Child: child}); err != nil {
		return err
	}
	p.invalidate()
	return nil
}

// SwapAdjacent exchanges the positions of parent and child, which must be
// directly linked. Used by enumeration interchange.
func (p *Plan) SwapAdjacent(parent, child Node) error {
	if p.finalized {
		panic("SwapAdjacent called on finalized plan")
	}
	grandparents := slices.Clone(p.graph.Parents(parent))
	grandchildren := slices.Clone(p.graph.Children(child))

	for _, gp := range grandparents {
		p.graph.RemoveEdge(dag.Edge[Node]{Parent: gp, Child: parent})
	}
	p.graph.RemoveEdge(dag.Edge[Node]{Parent: parent, Child: child})
	for _, gc := range grandchildren {
		p.graph.RemoveEdge(dag.Edge[Node]{Parent: child, Child: gc})
	}

	for _, gp := range grandparents {
		if err := p.graph.AddEdge(dag.Edge[Node]{Parent: gp, Child: child}); err != nil {
			return err
		}
	}
	if err := p.graph.AddEdge(dag.Edge[Node]{Parent: child, Child: parent}); err != nil {
		return err
	}
	for _, gc := range grandchildren {
		if err := p.graph.AddEdge(dag.Edge[Node]{Parent: parent, Child: gc}); err != nil {
			return err
		}
	}
	p.invalidate()
	return nil
}

// Clone returns a deep copy of the plan. Node ids are preserved so that
// alternative plans produced by the optimizer stay comparable.
func (p *Plan) Clone() *Plan {
	out := NewPlan()
	out.nextID = p.nextID
	out.appliedRules = slices.Clone(p.appliedRules)
	for r := range p.disabledRules {
		out.disabledRules[r] = struct{}{}
	}

	clones := make(map[NodeID]Node, p.graph.Len())
	for _, n := range p.graph.Nodes() {
		c := n.Clone(true)
		clones[n.ID()] = c
		out.graph.Add(c)
		out.byID[c.ID()] = c
	}
	for _, n := range p.graph.Nodes() {
		for _, child := range p.graph.Children(n) {
			_ = out.graph.AddEdge(dag.Edge[Node]{
				Parent: clones[n.ID()],
				Child:  clones[child.ID()],
			})
		}
	}
	return out
}

// Rule bookkeeping.

// AddAppliedRule records that a (non-hidden) rule modified the plan.
func (p *Plan) AddAppliedRule(name string) {
	if !slices.Contains(p.appliedRules, name) {
		p.appliedRules = append(p.appliedRules, name)
	}
}

// AppliedRules returns the identifiers of all rules that modified this
// plan, in application order.
func (p *Plan) AppliedRules() []string { return p.appliedRules }

// DisableRule disables an optimizer rule for this plan.
func (p *Plan) DisableRule(name string) { p.disabledRules[name] = struct{}{} }

// EnableRule re-enables a previously disabled rule.
func (p *Plan) EnableRule(name string) { delete(p.disabledRules, name) }

// IsDisabledRule reports whether the rule is disabled for this plan.
func (p *Plan) IsDisabledRule(name string) bool {
	_, ok := p.disabledRules[name]
	return ok
}

// SetValidity flags the plan as (in)valid. The optimizer invalidates a
// plan while a rule owns it and revalidates it on re-insertion.
func (p *Plan) SetValidity(valid bool) { p.valid = valid }

// Valid reports the validity flag.
func (p *Plan) Valid() bool { return p.valid }

// Finalize makes the plan immutable. Mutating a finalized plan panics.
func (p *Plan) Finalize() { p.finalized = true }

// Finalized reports whether the plan has been finalized.
func (p *Plan) Finalized() bool { return p.finalized }

// IsDeadSimple reports whether no rule could meaningfully improve the
// plan: a straight chain of constant work with no enumerations, no
// collection access, and no cluster nodes.
func (p *Plan) IsDeadSimple() bool {
	for _, n := range p.graph.Nodes() {
		switch n.Kind() {
		case NodeKindSingleton, NodeKindCalculation, NodeKindReturn, NodeKindLimit, NodeKindNoResults:
			// cheap node kinds
		default:
			return false
		}
	}
	return true
}

func (p *Plan) invalidate() {
	p.cost = nil
	p.varsUsedLater = nil
}

// InvalidateCost drops the memoized cost estimate.
func (p *Plan) InvalidateCost() { p.cost = nil }
