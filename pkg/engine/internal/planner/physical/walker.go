package physical

// Visitor is invoked for every node during a plan walk. Before runs in
// pre-order, After in post-order. When the walk reaches a Subquery node,
// EnterSubquery is consulted before descending into the detached subquery
// subtree and LeaveSubquery is called once that subtree is done.
type Visitor interface {
	Before(n Node) error
	After(n Node) error
	EnterSubquery(sub, root Node) bool
	LeaveSubquery(sub, root Node)
}

// WalkPlan traverses the plan depth-first from its root, following
// dependency edges and entering subquery subtrees through the visitor
// hooks. Walk failures propagate to the caller.
func (p *Plan) WalkPlan(v Visitor) error {
	root, err := p.Root()
	if err != nil {
		return err
	}
	visited := make(map[NodeID]struct{}, p.graph.Len())
	return p.walkNode(root, v, visited)
}

func (p *Plan) walkNode(n Node, v Visitor, visited map[NodeID]struct{}) error {
	if _, ok := visited[n.ID()]; ok {
		return nil
	}
	visited[n.ID()] = struct{}{}

	if err := v.Before(n); err != nil {
		return err
	}

	if sq, ok := n.(*Subquery); ok {
		if sqRoot := p.NodeByID(sq.SubqueryRoot); sqRoot != nil && v.EnterSubquery(sq, sqRoot) {
			if err := p.walkNode(sqRoot, v, visited); err != nil {
				return err
			}
			v.LeaveSubquery(sq, sqRoot)
		}
	}

	for _, child := range p.graph.Children(n) {
		if err := p.walkNode(child, v, visited); err != nil {
			return err
		}
	}

	return v.After(n)
}

// NodesOfKind returns all nodes of the given kind in insertion order.
func (p *Plan) NodesOfKind(kind NodeKind) []Node {
	var out []Node
	for _, n := range p.graph.Nodes() {
		if n.Kind() == kind {
			out = append(out, n)
		}
	}
	return out
}

// CollectionAccessors returns all nodes that read from or write to a
// collection, in insertion order.
func (p *Plan) CollectionAccessors() []CollectionAccess {
	var out []CollectionAccess
	for _, n := range p.graph.Nodes() {
		if ca, ok := n.(CollectionAccess); ok {
			out = append(out, ca)
		}
	}
	return out
}
