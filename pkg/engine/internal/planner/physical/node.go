// Package physical contains the execution node model and the execution
// plan: a DAG of typed nodes rooted at a terminal node, mutated by
// optimizer rules and split into per-server snippets for distributed
// execution.
package physical

import (
	"fmt"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// NodeID identifies a node within a plan. IDs are monotonic within a plan.
type NodeID uint64

func (id NodeID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// NodeKind enumerates the closed set of execution node kinds.
type NodeKind uint8

const (
	NodeKindInvalid NodeKind = iota
	NodeKindSingleton
	NodeKindEnumerateCollection
	NodeKindEnumerateList
	NodeKindIndexScan
	NodeKindCalculation
	NodeKindFilter
	NodeKindSort
	NodeKindAggregate
	NodeKindLimit
	NodeKindSubquery
	NodeKindReturn
	NodeKindInsert
	NodeKindUpdate
	NodeKindRemove
	NodeKindReplace
	NodeKindUpsert
	NodeKindNoResults
	NodeKindRemote
	NodeKindScatter
	NodeKindDistribute
	NodeKindGather
	NodeKindDistributeConsumer
	NodeKindTraversal
	NodeKindShortestPath
	NodeKindKShortestPaths
	NodeKindView
	NodeKindMaterialize
)

var nodeKindNames = map[NodeKind]string{
	NodeKindSingleton:           "Singleton",
	NodeKindEnumerateCollection: "EnumerateCollection",
	NodeKindEnumerateList:       "EnumerateList",
	NodeKindIndexScan:           "IndexScan",
	NodeKindCalculation:         "Calculation",
	NodeKindFilter:              "Filter",
	NodeKindSort:                "Sort",
	NodeKindAggregate:           "Aggregate",
	NodeKindLimit:               "Limit",
	NodeKindSubquery:            "Subquery",
	NodeKindReturn:              "Return",
	NodeKindInsert:              "Insert",
	NodeKindUpdate:              "Update",
	NodeKindRemove:              "Remove",
	NodeKindReplace:             "Replace",
	NodeKindUpsert:              "Upsert",
	NodeKindNoResults:           "NoResults",
	NodeKindRemote:              "Remote",
	NodeKindScatter:             "Scatter",
	NodeKindDistribute:          "Distribute",
	NodeKindGather:              "Gather",
	NodeKindDistributeConsumer:  "DistributeConsumer",
	NodeKindTraversal:           "Traversal",
	NodeKindShortestPath:        "ShortestPath",
	NodeKindKShortestPaths:      "KShortestPaths",
	NodeKindView:                "View",
	NodeKindMaterialize:         "Materialize",
}

func (k NodeKind) String() string {
	if s, ok := nodeKindNames[k]; ok {
		return s
	}
	return "Invalid"
}

var nodeKindsByName = func() map[string]NodeKind {
	m := make(map[string]NodeKind, len(nodeKindNames))
	for k, name := range nodeKindNames {
		m[name] = k
	}
	return m
}()

// ParseNodeKind maps a kind name back to its NodeKind.
func ParseNodeKind(s string) (NodeKind, bool) {
	k, ok := nodeKindsByName[s]
	return k, ok
}

// IsModification reports whether the kind writes to a collection.
func (k NodeKind) IsModification() bool {
	switch k {
	case NodeKindInsert, NodeKindUpdate, NodeKindRemove, NodeKindReplace, NodeKindUpsert:
		return true
	}
	return false
}

// Variable is a value binding produced by one node and consumed by its
// ancestors.
type Variable struct {
	ID   uint32
	Name string
}

// Node is an execution node in a physical plan. Nodes hold only node-local
// state; dependencies live in the owning plan's graph.
type Node interface {
	// ID returns the node's plan-unique id.
	ID() NodeID

	// Kind returns the node kind tag.
	Kind() NodeKind

	// SetsVariables returns the variables this node introduces.
	SetsVariables() []Variable

	// UsesVariables returns the variables this node reads. Every used
	// variable must be set by a node reachable through the dependency
	// chain.
	UsesVariables() []Variable

	// Clone deep-copies node-local state. Dependencies are not copied;
	// the caller re-links them in the target plan. The clone keeps the
	// node id only if preserveID is set; otherwise the target plan
	// assigns a fresh id on insertion.
	Clone(preserveID bool) Node

	setID(NodeID)
}

// CollectionAccess is implemented by nodes that read from or write to a
// sharded collection. The snippet serializer treats every such node as an
// expansion that may be cloned once per local shard.
type CollectionAccess interface {
	Node
	Collection() string
	ShardBinding() types.ShardID
	BindShard(types.ShardID)
}

// RestoreID stamps a deserialized node with its original id. Only the
// snippet codec uses this; everything else gets ids from the plan.
func RestoreID(n Node, id NodeID) { n.setID(id) }

// base carries the state shared by all node kinds.
type base struct {
	id NodeID
}

func (b *base) ID() NodeID      { return b.id }
func (b *base) setID(id NodeID) { b.id = id }

// collectionBase extends base for collection-accessing nodes.
type collectionBase struct {
	base
	collection string
	shard      types.ShardID
}

func (c *collectionBase) Collection() string          { return c.collection }
func (c *collectionBase) ShardBinding() types.ShardID { return c.shard }
func (c *collectionBase) BindShard(id types.ShardID)  { c.shard = id }
