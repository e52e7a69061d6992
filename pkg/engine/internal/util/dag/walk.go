package dag

import "errors"

// WalkOrder defines the order in which the current node and its children
// are visited.
type WalkOrder uint8

const (
	// PreOrderWalk processes the current node before visiting any of its
	// children.
	PreOrderWalk WalkOrder = iota

	// PostOrderWalk processes the current node after visiting all of its
	// children.
	PostOrderWalk
)

// WalkFunc is invoked for each node during a walk. Walking stops when
// WalkFunc returns a non-nil error.
type WalkFunc[NodeType Node] func(n NodeType) error

// Walk performs a depth-first walk over outgoing edges starting at n,
// invoking fn for each reachable node exactly once. Walk returns the error
// returned by fn.
func (g *Graph[NodeType]) Walk(n NodeType, fn WalkFunc[NodeType], order WalkOrder) error {
	visited := make(nodeSet[NodeType])
	switch order {
	case PreOrderWalk:
		return g.preOrderWalk(n, fn, visited)
	case PostOrderWalk:
		return g.postOrderWalk(n, fn, visited)
	default:
		return errors.New("unsupported walk order. must be one of PreOrderWalk and PostOrderWalk")
	}
}

func (g *Graph[NodeType]) preOrderWalk(n NodeType, fn WalkFunc[NodeType], visited nodeSet[NodeType]) error {
	if visited.Contains(n) {
		return nil
	}
	visited.Add(n)

	if err := fn(n); err != nil {
		return err
	}

	for _, child := range g.children[n] {
		if err := g.preOrderWalk(child, fn, visited); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph[NodeType]) postOrderWalk(n NodeType, fn WalkFunc[NodeType], visited nodeSet[NodeType]) error {
	if visited.Contains(n) {
		return nil
	}
	visited.Add(n)

	for _, child := range g.children[n] {
		if err := g.postOrderWalk(child, fn, visited); err != nil {
			return err
		}
	}

	return fn(n)
}
