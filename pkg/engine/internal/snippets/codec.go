package snippets

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Flags control how much detail snippet encoding carries.
type Flags struct {
	// FullDetail additionally encodes estimates, applied rules, and the
	// clone alias map. Snippets shipped for execution always use it;
	// compact encoding serves the status/explain surfaces.
	FullDetail bool
}

// Codec encodes snippets for the wire. Shard bindings travel as strings
// and are re-interned on decode.
type Codec struct {
	shards *types.ShardTable
}

func NewCodec(shards *types.ShardTable) *Codec {
	return &Codec{shards: shards}
}

type snippetEnvelope struct {
	FragmentID string                              `json:"fragmentId"`
	EngineID   uint64                              `json:"engineId"`
	Server     string                              `json:"server"`
	Database   string                              `json:"database"`
	Shards     []string                            `json:"shards,omitempty"`
	Nodes      []nodeEnvelope                      `json:"nodes"`
	Edges      []edgeEnvelope                      `json:"edges"`
	Root       physical.NodeID                     `json:"root"`
	Aliases    map[physical.NodeID]physical.NodeID `json:"aliases,omitempty"`
	FullDetail bool                                `json:"fullDetail"`
}

type edgeEnvelope struct {
	Parent physical.NodeID `json:"parent"`
	Child  physical.NodeID `json:"child"`
}

// nodeEnvelope is the flat union of all per-kind fields; absent fields are
// omitted from the encoding.
type nodeEnvelope struct {
	ID   physical.NodeID `json:"id"`
	Kind string          `json:"kind"`

	Collection string `json:"collection,omitempty"`
	Shard      string `json:"shard,omitempty"`

	In  *physical.Variable `json:"in,omitempty"`
	Out *physical.Variable `json:"out,omitempty"`

	Expr      *exprEnvelope `json:"expr,omitempty"`
	Condition *exprEnvelope `json:"condition,omitempty"`
	Index     string        `json:"index,omitempty"`

	Elements   []physical.SortElement      `json:"elements,omitempty"`
	Stable     bool                        `json:"stable,omitempty"`
	GroupVars  []physical.AggregateElement `json:"groupVars,omitempty"`
	Aggregates []physical.AggregateElement `json:"aggregates,omitempty"`

	Offset    uint64 `json:"offset,omitempty"`
	Count     uint64 `json:"count,omitempty"`
	FullCount bool   `json:"fullCount,omitempty"`

	Server       string `json:"server,omitempty"`
	EngineID     uint64 `json:"engineId,omitempty"`
	DistributeID string `json:"distributeId,omitempty"`
	OwnsCursor   bool   `json:"ownsCursor,omitempty"`

	Clients     []string `json:"clients,omitempty"`
	Mode        uint8    `json:"mode,omitempty"`
	KeyField    string   `json:"keyField,omitempty"`
	CreateKeys  bool     `json:"createKeys,omitempty"`
	Parallelism uint32   `json:"parallelism,omitempty"`

	// full-detail only
	EstimatedNr uint64  `json:"estimatedNr,omitempty"`
	Selectivity float64 `json:"selectivity,omitempty"`
	Random      bool    `json:"random,omitempty"`
}

type exprEnvelope struct {
	Type  string             `json:"type"`
	Op    string             `json:"op,omitempty"`
	Left  *exprEnvelope      `json:"left,omitempty"`
	Right *exprEnvelope      `json:"right,omitempty"`
	Var   *physical.Variable `json:"var,omitempty"`
	Path  string             `json:"path,omitempty"`
	Value any                `json:"value,omitempty"`
	Name  string             `json:"name,omitempty"`
	Args  []*exprEnvelope    `json:"args,omitempty"`
}

// EncodeSnippet serializes a materialized snippet.
func (c *Codec) EncodeSnippet(s *Snippet, flags Flags) ([]byte, error) {
	root, err := s.Plan.Root()
	if err != nil {
		return nil, err
	}
	env := snippetEnvelope{
		FragmentID: s.FragmentID,
		EngineID:   uint64(s.EngineID),
		Server:     s.Server,
		Database:   s.Database,
		Shards:     s.Shards,
		Root:       root.ID(),
		FullDetail: flags.FullDetail,
	}
	if flags.FullDetail {
		env.Aliases = s.Aliases
	}

	for _, n := range s.Plan.Graph().Nodes() {
		ne, err := c.encodeNode(n, flags)
		if err != nil {
			return nil, err
		}
		env.Nodes = append(env.Nodes, ne)
		for _, child := range s.Plan.Children(n) {
			env.Edges = append(env.Edges, edgeEnvelope{Parent: n.ID(), Child: child.ID()})
		}
	}
	return json.Marshal(env)
}

// DecodeSnippet rebuilds a snippet from its encoding. Node ids are
// preserved.
func (c *Codec) DecodeSnippet(data []byte) (*Snippet, error) {
	var env snippetEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding snippet: %w", err)
	}

	plan := physical.NewPlan()
	byID := make(map[physical.NodeID]physical.Node, len(env.Nodes))
	for _, ne := range env.Nodes {
		n, err := c.decodeNode(ne)
		if err != nil {
			return nil, err
		}
		physical.RestoreID(n, ne.ID)
		plan.AddNode(n)
		byID[ne.ID] = n
	}
	for _, e := range env.Edges {
		parent, child := byID[e.Parent], byID[e.Child]
		if parent == nil || child == nil {
			return nil, fmt.Errorf("decoding snippet: edge %d->%d references unknown node", e.Parent, e.Child)
		}
		if err := plan.AddDependency(parent, child); err != nil {
			return nil, err
		}
	}

	return &Snippet{
		FragmentID: env.FragmentID,
		EngineID:   types.EngineID(env.EngineID),
		Server:     env.Server,
		Database:   env.Database,
		Plan:       plan,
		Aliases:    env.Aliases,
		Shards:     env.Shards,
	}, nil
}

func (c *Codec) encodeNode(n physical.Node, flags Flags) (nodeEnvelope, error) {
	env := nodeEnvelope{ID: n.ID(), Kind: n.Kind().String()}
	if ca, ok := n.(physical.CollectionAccess); ok {
		env.Collection = ca.Collection()
		env.Shard = c.shards.String(ca.ShardBinding())
	}

	switch t := n.(type) {
	case *physical.Singleton, *physical.NoResults:
	case *physical.EnumerateCollection:
		env.Out = &t.Out
		if flags.FullDetail {
			env.EstimatedNr = t.EstimatedNr
			env.Random = t.Random
		}
	case *physical.EnumerateList:
		env.In, env.Out = &t.In, &t.Out
	case *physical.IndexScan:
		env.Index = t.Index
		env.Out = &t.Out
		env.Condition = encodeExpr(t.Condition)
		if flags.FullDetail {
			env.EstimatedNr = t.EstimatedNr
			env.Selectivity = t.Selectivity
		}
	case *physical.Calculation:
		env.Out = &t.Out
		env.Expr = encodeExpr(t.Expr)
	case *physical.Filter:
		env.In = &t.In
	case *physical.Sort:
		env.Elements = t.Elements
		env.Stable = t.Stable
	case *physical.Aggregate:
		env.GroupVars = t.GroupVars
		env.Aggregates = t.Aggregates
	case *physical.Limit:
		env.Offset = t.Offset
		env.Count = t.Count
		env.FullCount = t.FullCount
	case *physical.Return:
		env.In = &t.In
	case *physical.Modification:
		env.In = &t.In
		if t.Out != (physical.Variable{}) {
			env.Out = &t.Out
		}
	case *physical.Remote:
		env.Server = t.Server
		env.EngineID = uint64(t.EngineID)
		env.DistributeID = t.DistributeID
		env.OwnsCursor = t.OwnsCursor
	case *physical.Scatter:
		env.Clients = t.Clients
		env.Mode = uint8(t.Mode)
	case *physical.Distribute:
		env.Clients = t.Clients
		env.Mode = uint8(t.Mode)
		env.In = &t.In
		env.KeyField = t.KeyField
		env.CreateKeys = t.CreateKeys
	case *physical.Gather:
		env.Elements = t.Elements
		env.Mode = uint8(t.Mode)
		env.Parallelism = t.Parallelism
	case *physical.DistributeConsumer:
		env.DistributeID = t.DistributeID
	default:
		return env, fmt.Errorf("cannot encode node kind %s", n.Kind())
	}
	return env, nil
}

func (c *Codec) decodeNode(env nodeEnvelope) (physical.Node, error) {
	kind, ok := physical.ParseNodeKind(env.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown node kind %q", env.Kind)
	}

	bind := func(ca physical.CollectionAccess) {
		if env.Shard != "" {
			ca.BindShard(c.shards.Intern(env.Shard))
		}
	}

	switch kind {
	case physical.NodeKindSingleton:
		return &physical.Singleton{}, nil
	case physical.NodeKindNoResults:
		return &physical.NoResults{}, nil
	case physical.NodeKindEnumerateCollection:
		n := physical.NewEnumerateCollection(env.Collection, deref(env.Out), env.EstimatedNr)
		n.Random = env.Random
		bind(n)
		return n, nil
	case physical.NodeKindEnumerateList:
		return &physical.EnumerateList{In: deref(env.In), Out: deref(env.Out)}, nil
	case physical.NodeKindIndexScan:
		cond, err := decodeExpr(env.Condition)
		if err != nil {
			return nil, err
		}
		n := physical.NewIndexScan(env.Collection, env.Index, deref(env.Out), cond, env.EstimatedNr, env.Selectivity)
		bind(n)
		return n, nil
	case physical.NodeKindCalculation:
		expr, err := decodeExpr(env.Expr)
		if err != nil {
			return nil, err
		}
		return &physical.Calculation{Expr: expr, Out: deref(env.Out)}, nil
	case physical.NodeKindFilter:
		return &physical.Filter{In: deref(env.In)}, nil
	case physical.NodeKindSort:
		return &physical.Sort{Elements: env.Elements, Stable: env.Stable}, nil
	case physical.NodeKindAggregate:
		return &physical.Aggregate{GroupVars: env.GroupVars, Aggregates: env.Aggregates}, nil
	case physical.NodeKindLimit:
		return &physical.Limit{Offset: env.Offset, Count: env.Count, FullCount: env.FullCount}, nil
	case physical.NodeKindReturn:
		return &physical.Return{In: deref(env.In)}, nil
	case physical.NodeKindInsert, physical.NodeKindUpdate, physical.NodeKindRemove,
		physical.NodeKindReplace, physical.NodeKindUpsert:
		n := physical.NewModification(kind, env.Collection, deref(env.In), deref(env.Out))
		bind(n)
		return n, nil
	case physical.NodeKindRemote:
		return &physical.Remote{
			Server:       env.Server,
			EngineID:     types.EngineID(env.EngineID),
			DistributeID: env.DistributeID,
			OwnsCursor:   env.OwnsCursor,
		}, nil
	case physical.NodeKindScatter:
		return &physical.Scatter{Clients: env.Clients, Mode: physical.ScatterKind(env.Mode)}, nil
	case physical.NodeKindDistribute:
		n := physical.NewDistribute(env.Collection, env.KeyField, deref(env.In))
		n.Clients = env.Clients
		n.Mode = physical.ScatterKind(env.Mode)
		n.CreateKeys = env.CreateKeys
		bind(n)
		return n, nil
	case physical.NodeKindGather:
		return &physical.Gather{Elements: env.Elements, Mode: physical.GatherSortMode(env.Mode), Parallelism: env.Parallelism}, nil
	case physical.NodeKindDistributeConsumer:
		return &physical.DistributeConsumer{DistributeID: env.DistributeID}, nil
	}
	return nil, fmt.Errorf("cannot decode node kind %q", env.Kind)
}

func deref(v *physical.Variable) physical.Variable {
	if v == nil {
		return physical.Variable{}
	}
	return *v
}

func encodeExpr(e physical.Expression) *exprEnvelope {
	switch t := e.(type) {
	case nil:
		return nil
	case *physical.BinaryExpr:
		return &exprEnvelope{Type: "binary", Op: t.Op.String(), Left: encodeExpr(t.Left), Right: encodeExpr(t.Right)}
	case *physical.FieldExpr:
		return &exprEnvelope{Type: "field", Var: &t.Var, Path: t.Path}
	case *physical.VariableExpr:
		return &exprEnvelope{Type: "var", Var: &t.Var}
	case *physical.LiteralExpr:
		return &exprEnvelope{Type: "literal", Value: t.Value}
	case *physical.FunctionExpr:
		env := &exprEnvelope{Type: "func", Name: t.Name}
		for _, arg := range t.Args {
			env.Args = append(env.Args, encodeExpr(arg))
		}
		return env
	}
	return nil
}

func decodeExpr(env *exprEnvelope) (physical.Expression, error) {
	if env == nil {
		return nil, nil
	}
	switch env.Type {
	case "binary":
		op, ok := physical.ParseBinaryOp(env.Op)
		if !ok {
			return nil, fmt.Errorf("unknown binary operator %q", env.Op)
		}
		left, err := decodeExpr(env.Left)
		if err != nil {
			return nil, err
		}
		right, err := decodeExpr(env.Right)
		if err != nil {
			return nil, err
		}
		return &physical.BinaryExpr{Left: left, Right: right, Op: op}, nil
	case "field":
		return &physical.FieldExpr{Var: deref(env.Var), Path: env.Path}, nil
	case "var":
		return &physical.VariableExpr{Var: deref(env.Var)}, nil
	case "literal":
		return &physical.LiteralExpr{Value: env.Value}, nil
	case "func":
		fn := &physical.FunctionExpr{Name: env.Name}
		for _, arg := range env.Args {
			decoded, err := decodeExpr(arg)
			if err != nil {
				return nil, err
			}
			fn.Args = append(fn.Args, decoded)
		}
		return fn, nil
	}
	return nil, fmt.Errorf("unknown expression type %q", env.Type)
}
