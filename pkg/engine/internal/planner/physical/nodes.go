package physical

import (
	"slices"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Singleton produces exactly one empty row. Every plan bottoms out in one.
type Singleton struct {
	base
}

func (n *Singleton) Kind() NodeKind            { return NodeKindSingleton }
func (n *Singleton) SetsVariables() []Variable { return nil }
func (n *Singleton) UsesVariables() []Variable { return nil }
func (n *Singleton) Clone(preserveID bool) Node {
	out := &Singleton{}
	if preserveID {
		out.id = n.id
	}
	return out
}

// EnumerateCollection produces one row per document of a collection.
type EnumerateCollection struct {
	collectionBase
	Out         Variable
	EstimatedNr uint64 // estimated document count, provided by the catalog
	Random      bool
}

// NewEnumerateCollection creates a full-collection scan node.
func NewEnumerateCollection(collection string, out Variable, estimatedNr uint64) *EnumerateCollection {
	return &EnumerateCollection{
		collectionBase: collectionBase{collection: collection},
		Out:            out,
		EstimatedNr:    estimatedNr,
	}
}

func (n *EnumerateCollection) Kind() NodeKind            { return NodeKindEnumerateCollection }
func (n *EnumerateCollection) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *EnumerateCollection) UsesVariables() []Variable { return nil }
func (n *EnumerateCollection) Clone(preserveID bool) Node {
	out := &EnumerateCollection{collectionBase: n.collectionBase, Out: n.Out, EstimatedNr: n.EstimatedNr, Random: n.Random}
	if !preserveID {
		out.id = 0
	}
	return out
}

// EnumerateList produces one row per element of a list-typed variable.
type EnumerateList struct {
	base
	In  Variable
	Out Variable
}

func (n *EnumerateList) Kind() NodeKind            { return NodeKindEnumerateList }
func (n *EnumerateList) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *EnumerateList) UsesVariables() []Variable { return []Variable{n.In} }
func (n *EnumerateList) Clone(preserveID bool) Node {
	out := &EnumerateList{In: n.In, Out: n.Out}
	if preserveID {
		out.id = n.id
	}
	return out
}

// IndexScan produces the documents of a collection matching an index
// condition. It replaces an EnumerateCollection+Filter pair when an index
// covers the filter condition.
type IndexScan struct {
	collectionBase
	Index       string
	Out         Variable
	Condition   Expression
	EstimatedNr uint64
	Selectivity float64
}

// NewIndexScan creates an index scan over the named index of a collection.
func NewIndexScan(collection, index string, out Variable, condition Expression, estimatedNr uint64, selectivity float64) *IndexScan {
	return &IndexScan{
		collectionBase: collectionBase{collection: collection},
		Index:          index,
		Out:            out,
		Condition:      condition,
		EstimatedNr:    estimatedNr,
		Selectivity:    selectivity,
	}
}

func (n *IndexScan) Kind() NodeKind            { return NodeKindIndexScan }
func (n *IndexScan) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *IndexScan) UsesVariables() []Variable {
	if n.Condition == nil {
		return nil
	}
	return n.Condition.Variables()
}
func (n *IndexScan) Clone(preserveID bool) Node {
	out := &IndexScan{
		collectionBase: n.collectionBase,
		Index:          n.Index,
		Out:            n.Out,
		Condition:      cloneExpression(n.Condition),
		EstimatedNr:    n.EstimatedNr,
		Selectivity:    n.Selectivity,
	}
	if !preserveID {
		out.id = 0
	}
	return out
}

// Calculation evaluates an expression into a new variable.
type Calculation struct {
	base
	Expr Expression
	Out  Variable
}

func (n *Calculation) Kind() NodeKind            { return NodeKindCalculation }
func (n *Calculation) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *Calculation) UsesVariables() []Variable {
	if n.Expr == nil {
		return nil
	}
	return n.Expr.Variables()
}
func (n *Calculation) Clone(preserveID bool) Node {
	out := &Calculation{Expr: cloneExpression(n.Expr), Out: n.Out}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Filter drops rows whose condition variable is false.
type Filter struct {
	base
	In Variable
}

func (n *Filter) Kind() NodeKind            { return NodeKindFilter }
func (n *Filter) SetsVariables() []Variable { return nil }
func (n *Filter) UsesVariables() []Variable { return []Variable{n.In} }
func (n *Filter) Clone(preserveID bool) Node {
	out := &Filter{In: n.In}
	if preserveID {
		out.id = n.id
	}
	return out
}

// SortElement is one sort criterion.
type SortElement struct {
	Var       Variable
	Ascending bool
}

// Sort materializes and orders its input.
type Sort struct {
	base
	Elements []SortElement
	Stable   bool
}

func (n *Sort) Kind() NodeKind            { return NodeKindSort }
func (n *Sort) SetsVariables() []Variable { return nil }
func (n *Sort) UsesVariables() []Variable {
	vars := make([]Variable, 0, len(n.Elements))
	for _, e := range n.Elements {
		vars = append(vars, e.Var)
	}
	return vars
}
func (n *Sort) Clone(preserveID bool) Node {
	out := &Sort{Elements: slices.Clone(n.Elements), Stable: n.Stable}
	if preserveID {
		out.id = n.id
	}
	return out
}

// AggregateElement maps an input variable onto an aggregated output
// variable with an aggregation function name.
type AggregateElement struct {
	In   Variable
	Out  Variable
	Func string
}

// Aggregate groups rows and computes aggregates per group.
type Aggregate struct {
	base
	GroupVars  []AggregateElement
	Aggregates []AggregateElement
}

func (n *Aggregate) Kind() NodeKind { return NodeKindAggregate }
func (n *Aggregate) SetsVariables() []Variable {
	var vars []Variable
	for _, e := range n.GroupVars {
		vars = append(vars, e.Out)
	}
	for _, e := range n.Aggregates {
		vars = append(vars, e.Out)
	}
	return vars
}
func (n *Aggregate) UsesVariables() []Variable {
	var vars []Variable
	for _, e := range n.GroupVars {
		vars = append(vars, e.In)
	}
	for _, e := range n.Aggregates {
		vars = append(vars, e.In)
	}
	return vars
}
func (n *Aggregate) Clone(preserveID bool) Node {
	out := &Aggregate{GroupVars: slices.Clone(n.GroupVars), Aggregates: slices.Clone(n.Aggregates)}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Limit passes through at most Count rows after skipping Offset rows.
type Limit struct {
	base
	Offset    uint64
	Count     uint64
	FullCount bool
}

func (n *Limit) Kind() NodeKind            { return NodeKindLimit }
func (n *Limit) SetsVariables() []Variable { return nil }
func (n *Limit) UsesVariables() []Variable { return nil }
func (n *Limit) Clone(preserveID bool) Node {
	out := &Limit{Offset: n.Offset, Count: n.Count, FullCount: n.FullCount}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Subquery executes a nested plan once per input row. The subquery's root
// lives in the same plan graph; SubqueryRoot records which node it is.
type Subquery struct {
	base
	SubqueryRoot NodeID
	Out          Variable
}

func (n *Subquery) Kind() NodeKind            { return NodeKindSubquery }
func (n *Subquery) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *Subquery) UsesVariables() []Variable { return nil }
func (n *Subquery) Clone(preserveID bool) Node {
	out := &Subquery{SubqueryRoot: n.SubqueryRoot, Out: n.Out}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Return is the terminal node of a plan.
type Return struct {
	base
	In Variable
}

func (n *Return) Kind() NodeKind            { return NodeKindReturn }
func (n *Return) SetsVariables() []Variable { return nil }
func (n *Return) UsesVariables() []Variable { return []Variable{n.In} }
func (n *Return) Clone(preserveID bool) Node {
	out := &Return{In: n.In}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Modification writes documents to a collection. The concrete operation is
// the node kind (Insert, Update, Remove, Replace, Upsert).
type Modification struct {
	collectionBase
	Op  NodeKind
	In  Variable
	Out Variable // optional OLD/NEW binding
}

// NewModification creates a write node. op must be one of the
// modification kinds.
func NewModification(op NodeKind, collection string, in, out Variable) *Modification {
	if !op.IsModification() {
		panic("NewModification: kind " + op.String() + " is not a modification")
	}
	return &Modification{
		collectionBase: collectionBase{collection: collection},
		Op:             op,
		In:             in,
		Out:            out,
	}
}

func (n *Modification) Kind() NodeKind { return n.Op }
func (n *Modification) SetsVariables() []Variable {
	if n.Out == (Variable{}) {
		return nil
	}
	return []Variable{n.Out}
}
func (n *Modification) UsesVariables() []Variable { return []Variable{n.In} }
func (n *Modification) Clone(preserveID bool) Node {
	out := &Modification{collectionBase: n.collectionBase, Op: n.Op, In: n.In, Out: n.Out}
	if !preserveID {
		out.id = 0
	}
	return out
}

// NoResults produces no rows. Rules insert it when a condition is provably
// false.
type NoResults struct {
	base
}

func (n *NoResults) Kind() NodeKind            { return NodeKindNoResults }
func (n *NoResults) SetsVariables() []Variable { return nil }
func (n *NoResults) UsesVariables() []Variable { return nil }
func (n *NoResults) Clone(preserveID bool) Node {
	out := &NoResults{}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Remote marks a network boundary: rows cross to or from the named server.
type Remote struct {
	base
	Server       string
	EngineID     types.EngineID // engine to contact on the remote side; zero until snippets are built
	DistributeID string         // client id used when talking to a blocks-with-clients node
	OwnsCursor   bool           // responsible for initializeCursor on the remote side
}

func (n *Remote) Kind() NodeKind            { return NodeKindRemote }
func (n *Remote) SetsVariables() []Variable { return nil }
func (n *Remote) UsesVariables() []Variable { return nil }
func (n *Remote) Clone(preserveID bool) Node {
	out := &Remote{Server: n.Server, EngineID: n.EngineID, DistributeID: n.DistributeID, OwnsCursor: n.OwnsCursor}
	if preserveID {
		out.id = n.id
	}
	return out
}

// ScatterKind selects how a scatter/distribute node addresses its clients.
type ScatterKind uint8

const (
	ScatterShard  ScatterKind = iota // clients are shards
	ScatterServer                    // clients are servers
)

// Scatter copies every input row to every client.
type Scatter struct {
	base
	Clients []string
	Mode    ScatterKind
}

func (n *Scatter) Kind() NodeKind            { return NodeKindScatter }
func (n *Scatter) SetsVariables() []Variable { return nil }
func (n *Scatter) UsesVariables() []Variable { return nil }
func (n *Scatter) Clone(preserveID bool) Node {
	out := &Scatter{Clients: slices.Clone(n.Clients), Mode: n.Mode}
	if preserveID {
		out.id = n.id
	}
	return out
}

// AddClient registers an additional client id on the scatter node.
func (n *Scatter) AddClient(id string) {
	if !slices.Contains(n.Clients, id) {
		n.Clients = append(n.Clients, id)
	}
}

// Distribute routes every input row to exactly one client based on the
// sharding key of the target collection.
type Distribute struct {
	collectionBase
	Clients    []string
	Mode       ScatterKind
	In         Variable
	KeyField   string
	CreateKeys bool // synthesize missing keys; must be off on data servers
}

// NewDistribute creates a key-routed distribute node targeting the given
// collection's shards.
func NewDistribute(collection, keyField string, in Variable) *Distribute {
	return &Distribute{
		collectionBase: collectionBase{collection: collection},
		In:             in,
		KeyField:       keyField,
	}
}

func (n *Distribute) Kind() NodeKind            { return NodeKindDistribute }
func (n *Distribute) SetsVariables() []Variable { return nil }
func (n *Distribute) UsesVariables() []Variable { return []Variable{n.In} }
func (n *Distribute) Clone(preserveID bool) Node {
	out := &Distribute{
		collectionBase: n.collectionBase,
		Clients:        slices.Clone(n.Clients),
		Mode:           n.Mode,
		In:             n.In,
		KeyField:       n.KeyField,
		CreateKeys:     n.CreateKeys,
	}
	if !preserveID {
		out.id = 0
	}
	return out
}

// AddClient registers an additional client id on the distribute node.
func (n *Distribute) AddClient(id string) {
	if !slices.Contains(n.Clients, id) {
		n.Clients = append(n.Clients, id)
	}
}

// GatherSortMode selects how a gather node merges its inputs.
type GatherSortMode uint8

const (
	GatherUnsorted GatherSortMode = iota
	GatherSortedHeap
	GatherSortedMinElement
)

// Gather merges the streams of all shard-resident dependencies back into
// one.
type Gather struct {
	base
	Elements    []SortElement
	Mode        GatherSortMode
	Parallelism uint32
}

func (n *Gather) Kind() NodeKind            { return NodeKindGather }
func (n *Gather) SetsVariables() []Variable { return nil }
func (n *Gather) UsesVariables() []Variable {
	vars := make([]Variable, 0, len(n.Elements))
	for _, e := range n.Elements {
		vars = append(vars, e.Var)
	}
	return vars
}
func (n *Gather) Clone(preserveID bool) Node {
	out := &Gather{Elements: slices.Clone(n.Elements), Mode: n.Mode, Parallelism: n.Parallelism}
	if preserveID {
		out.id = n.id
	}
	return out
}

// DistributeConsumer reads the rows a blocks-with-clients node buffered for
// one particular client.
type DistributeConsumer struct {
	base
	DistributeID string
}

func (n *DistributeConsumer) Kind() NodeKind            { return NodeKindDistributeConsumer }
func (n *DistributeConsumer) SetsVariables() []Variable { return nil }
func (n *DistributeConsumer) UsesVariables() []Variable { return nil }
func (n *DistributeConsumer) Clone(preserveID bool) Node {
	out := &DistributeConsumer{DistributeID: n.DistributeID}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Traversal enumerates paths reachable from a start vertex.
type Traversal struct {
	collectionBase
	Start     Variable
	OutVertex Variable
	OutEdge   Variable
	MinDepth  uint32
	MaxDepth  uint32
}

func (n *Traversal) Kind() NodeKind            { return NodeKindTraversal }
func (n *Traversal) SetsVariables() []Variable { return []Variable{n.OutVertex, n.OutEdge} }
func (n *Traversal) UsesVariables() []Variable { return []Variable{n.Start} }
func (n *Traversal) Clone(preserveID bool) Node {
	out := &Traversal{collectionBase: n.collectionBase, Start: n.Start, OutVertex: n.OutVertex, OutEdge: n.OutEdge, MinDepth: n.MinDepth, MaxDepth: n.MaxDepth}
	if !preserveID {
		out.id = 0
	}
	return out
}

// ShortestPath computes one shortest path between two vertices.
type ShortestPath struct {
	collectionBase
	Source Variable
	Target Variable
	Out    Variable
}

func (n *ShortestPath) Kind() NodeKind            { return NodeKindShortestPath }
func (n *ShortestPath) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *ShortestPath) UsesVariables() []Variable { return []Variable{n.Source, n.Target} }
func (n *ShortestPath) Clone(preserveID bool) Node {
	out := &ShortestPath{collectionBase: n.collectionBase, Source: n.Source, Target: n.Target, Out: n.Out}
	if !preserveID {
		out.id = 0
	}
	return out
}

// KShortestPaths computes the k shortest paths between two vertices.
type KShortestPaths struct {
	collectionBase
	Source Variable
	Target Variable
	Out    Variable
	K      uint32
}

func (n *KShortestPaths) Kind() NodeKind            { return NodeKindKShortestPaths }
func (n *KShortestPaths) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *KShortestPaths) UsesVariables() []Variable { return []Variable{n.Source, n.Target} }
func (n *KShortestPaths) Clone(preserveID bool) Node {
	out := &KShortestPaths{collectionBase: n.collectionBase, Source: n.Source, Target: n.Target, Out: n.Out, K: n.K}
	if !preserveID {
		out.id = 0
	}
	return out
}

// View enumerates the documents matched by a search view.
type View struct {
	base
	Name string
	Out  Variable
}

func (n *View) Kind() NodeKind            { return NodeKindView }
func (n *View) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *View) UsesVariables() []Variable { return nil }
func (n *View) Clone(preserveID bool) Node {
	out := &View{Name: n.Name, Out: n.Out}
	if preserveID {
		out.id = n.id
	}
	return out
}

// Materialize resolves deferred document references into full documents.
type Materialize struct {
	collectionBase
	In  Variable
	Out Variable
}

func (n *Materialize) Kind() NodeKind            { return NodeKindMaterialize }
func (n *Materialize) SetsVariables() []Variable { return []Variable{n.Out} }
func (n *Materialize) UsesVariables() []Variable { return []Variable{n.In} }
func (n *Materialize) Clone(preserveID bool) Node {
	out := &Materialize{collectionBase: n.collectionBase, In: n.In, Out: n.Out}
	if !preserveID {
		out.id = 0
	}
	return out
}
