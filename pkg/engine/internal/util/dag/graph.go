// Package dag provides a generic directed acyclic graph used as the arena
// for physical plan nodes and task graphs. Nodes hold no edges themselves;
// all relationships live in the graph, which makes cloning and splitting
// fragments cheap.
package dag

import (
	"errors"
	"fmt"
	"slices"
)

// Node is the constraint for graph node types.
type Node comparable

type nodeSet[NodeType Node] map[NodeType]struct{}

func (s nodeSet[NodeType]) Contains(n NodeType) bool { _, ok := s[n]; return ok }
func (s nodeSet[NodeType]) Add(n NodeType)           { s[n] = struct{}{} }

// Edge is a directed edge between a parent and a child node.
type Edge[NodeType Node] struct {
	Parent, Child NodeType
}

// Graph is a DAG of nodes. The zero value is ready for use.
//
// Graph does not detect cycles on insertion; callers are expected to only
// add edges that keep the graph acyclic.
type Graph[NodeType Node] struct {
	nodes    []NodeType
	children map[NodeType][]NodeType
	parents  map[NodeType][]NodeType
}

// Add adds a node to the graph. Adding a node that already exists is a
// no-op.
func (g *Graph[NodeType]) Add(n NodeType) {
	if g.children == nil {
		g.children = make(map[NodeType][]NodeType)
		g.parents = make(map[NodeType][]NodeType)
	}
	if _, ok := g.children[n]; ok {
		return
	}
	g.nodes = append(g.nodes, n)
	g.children[n] = nil
	g.parents[n] = nil
}

// AddEdge adds a directed edge. Both endpoints must already be in the
// graph.
func (g *Graph[NodeType]) AddEdge(e Edge[NodeType]) error {
	if _, ok := g.children[e.Parent]; !ok {
		return fmt.Errorf("parent node not in graph")
	}
	if _, ok := g.children[e.Child]; !ok {
		return fmt.Errorf("child node not in graph")
	}
	if slices.Contains(g.children[e.Parent], e.Child) {
		return nil
	}
	g.children[e.Parent] = append(g.children[e.Parent], e.Child)
	g.parents[e.Child] = append(g.parents[e.Child], e.Parent)
	return nil
}

// Len returns the number of nodes in the graph.
func (g *Graph[NodeType]) Len() int { return len(g.nodes) }

// Nodes returns all nodes in insertion order. The returned slice must not
// be mutated.
func (g *Graph[NodeType]) Nodes() []NodeType { return g.nodes }

// Children returns the ordered children of n.
func (g *Graph[NodeType]) Children(n NodeType) []NodeType { return g.children[n] }

// Parents returns the parents of n.
func (g *Graph[NodeType]) Parents(n NodeType) []NodeType { return g.parents[n] }

// Roots returns all nodes without parents, in insertion order.
func (g *Graph[NodeType]) Roots() []NodeType {
	var roots []NodeType
	for _, n := range g.nodes {
		if len(g.parents[n]) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Root returns the single root of the graph. It returns an error if the
// graph has zero or more than one root.
func (g *Graph[NodeType]) Root() (NodeType, error) {
	var zero NodeType
	roots := g.Roots()
	if len(roots) != 1 {
		return zero, fmt.Errorf("graph must have exactly one root node, has %d", len(roots))
	}
	return roots[0], nil
}

// Leaves returns all nodes without children, in insertion order.
func (g *Graph[NodeType]) Leaves() []NodeType {
	var leaves []NodeType
	for _, n := range g.nodes {
		if len(g.children[n]) == 0 {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Eliminate removes n from the graph, re-linking every parent of n to every
// child of n.
func (g *Graph[NodeType]) Eliminate(n NodeType) {
	parents := g.parents[n]
	children := g.children[n]

	g.remove(n)

	for _, p := range parents {
		for _, c := range children {
			_ = g.AddEdge(Edge[NodeType]{Parent: p, Child: c})
		}
	}
}

// Inject adds repl to the graph with the same parents as n. The node n
// itself is left untouched; callers typically follow up with Eliminate(n)
// to complete a replacement.
func (g *Graph[NodeType]) Inject(n, repl NodeType) {
	g.Add(repl)
	for _, p := range g.parents[n] {
		_ = g.AddEdge(Edge[NodeType]{Parent: p, Child: repl})
	}
	for _, c := range g.children[n] {
		_ = g.AddEdge(Edge[NodeType]{Parent: repl, Child: c})
	}
}

// RemoveEdge deletes a directed edge, leaving both endpoints in the graph.
func (g *Graph[NodeType]) RemoveEdge(e Edge[NodeType]) {
	g.children[e.Parent] = slices.DeleteFunc(g.children[e.Parent], func(c NodeType) bool { return c == e.Child })
	g.parents[e.Child] = slices.DeleteFunc(g.parents[e.Child], func(p NodeType) bool { return p == e.Parent })
}

// Delete removes n and all its edges without re-linking.
func (g *Graph[NodeType]) Delete(n NodeType) { g.remove(n) }

func (g *Graph[NodeType]) remove(n NodeType) {
	for _, p := range g.parents[n] {
		g.children[p] = slices.DeleteFunc(g.children[p], func(c NodeType) bool { return c == n })
	}
	for _, c := range g.children[n] {
		g.parents[c] = slices.DeleteFunc(g.parents[c], func(p NodeType) bool { return p == n })
	}
	delete(g.children, n)
	delete(g.parents, n)
	g.nodes = slices.DeleteFunc(g.nodes, func(m NodeType) bool { return m == n })
}

// Clone returns a structural copy of the graph. Nodes are shared, edges are
// copied.
func (g *Graph[NodeType]) Clone() *Graph[NodeType] {
	out := &Graph[NodeType]{
		nodes:    slices.Clone(g.nodes),
		children: make(map[NodeType][]NodeType, len(g.children)),
		parents:  make(map[NodeType][]NodeType, len(g.parents)),
	}
	for n, cs := range g.children {
		out.children[n] = slices.Clone(cs)
	}
	for n, ps := range g.parents {
		out.parents[n] = slices.Clone(ps)
	}
	return out
}

// TopoSort returns the nodes in an order where every node appears before
// its children. It returns an error if the graph contains a cycle.
func (g *Graph[NodeType]) TopoSort() ([]NodeType, error) {
	var (
		out     []NodeType
		state   = make(map[NodeType]int, len(g.nodes)) // 0 unvisited, 1 visiting, 2 done
		visit   func(n NodeType) error
		errLoop = errors.New("graph contains a cycle")
	)
	visit = func(n NodeType) error {
		switch state[n] {
		case 1:
			return errLoop
		case 2:
			return nil
		}
		state[n] = 1
		for _, c := range g.children[n] {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[n] = 2
		out = append(out, n)
		return nil
	}
	for _, n := range g.nodes {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	slices.Reverse(out)
	return out, nil
}
