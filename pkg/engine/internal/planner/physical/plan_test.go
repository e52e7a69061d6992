package physical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// chainPlan builds Return <- Filter <- Calculation <- EnumerateCollection
// <- Singleton, the smallest realistic read plan.
func chainPlan(t *testing.T) (*Plan, []Node) {
	t.Helper()

	docs := Variable{ID: 1, Name: "doc"}
	cond := Variable{ID: 2, Name: "cond"}

	singleton := &Singleton{}
	enum := NewEnumerateCollection("users", docs, 1000)
	calc := &Calculation{
		Expr: &BinaryExpr{
			Left:  &FieldExpr{Var: docs, Path: "age"},
			Right: &LiteralExpr{Value: 42},
			Op:    OpEq,
		},
		Out: cond,
	}
	filter := &Filter{In: cond}
	ret := &Return{In: docs}

	p := NewPlan()
	nodes := []Node{ret, filter, calc, enum, singleton}
	for _, n := range nodes {
		p.AddNode(n)
	}
	for i := 0; i < len(nodes)-1; i++ {
		require.NoError(t, p.AddDependency(nodes[i], nodes[i+1]))
	}
	return p, nodes
}

func TestPlan_AddNode(t *testing.T) {
	p := NewPlan()

	t.Run("assigns fresh ids", func(t *testing.T) {
		a, b := &Singleton{}, &Return{}
		p.AddNode(a)
		p.AddNode(b)
		require.Equal(t, NodeID(1), a.ID())
		require.Equal(t, NodeID(2), b.ID())
	})

	t.Run("keeps existing ids", func(t *testing.T) {
		n := &Filter{}
		n.setID(7)
		p.AddNode(n)
		require.Equal(t, NodeID(7), n.ID())

		// the id counter must advance past restored ids
		next := &Limit{}
		p.AddNode(next)
		require.Equal(t, NodeID(8), next.ID())
	})
}

func TestPlan_Root(t *testing.T) {
	p, nodes := chainPlan(t)
	root, err := p.Root()
	require.NoError(t, err)
	require.Equal(t, nodes[0], root)
}

func TestPlan_EliminateNode(t *testing.T) {
	p, nodes := chainPlan(t)
	filter := nodes[1]

	p.EliminateNode(filter)

	require.Nil(t, p.NodeByID(filter.ID()))
	require.Equal(t, []Node{nodes[2]}, p.Children(nodes[0]), "parent re-linked to child")
}

func TestPlan_ReplaceNode(t *testing.T) {
	p, nodes := chainPlan(t)
	enum := nodes[3]

	repl := NewIndexScan("users", "idx_age", Variable{ID: 1, Name: "doc"}, nil, 1000, 0.01)
	p.ReplaceNode(enum, repl)

	require.Nil(t, p.NodeByID(enum.ID()))
	require.Equal(t, repl, p.NodeByID(repl.ID()))
	require.Equal(t, []Node{repl}, p.Children(nodes[2]))
	require.Equal(t, []Node{nodes[4]}, p.Children(repl))
}

func TestPlan_InsertAbove(t *testing.T) {
	p, nodes := chainPlan(t)
	enum := nodes[3]

	limit := &Limit{Count: 10}
	require.NoError(t, p.InsertAbove(enum, limit))

	require.Equal(t, []Node{limit}, p.Children(nodes[2]))
	require.Equal(t, []Node{enum}, p.Children(limit))
}

func TestPlan_InsertBetween(t *testing.T) {
	p, nodes := chainPlan(t)
	calc, enum := nodes[2], nodes[3]

	remote := &Remote{}
	gather := &Gather{Mode: GatherUnsorted}
	require.NoError(t, p.InsertBetween(calc, enum, gather, remote))

	require.Equal(t, []Node{gather}, p.Children(calc))
	require.Equal(t, []Node{remote}, p.Children(gather))
	require.Equal(t, []Node{enum}, p.Children(remote))
}

func TestPlan_SwapAdjacent(t *testing.T) {
	p, nodes := chainPlan(t)
	calc, enum := nodes[2], nodes[3]

	require.NoError(t, p.SwapAdjacent(calc, enum))

	require.Equal(t, []Node{enum}, p.Children(nodes[1]))
	require.Equal(t, []Node{calc}, p.Children(enum))
	require.Equal(t, []Node{nodes[4]}, p.Children(calc))
}

func TestPlan_Clone(t *testing.T) {
	p, nodes := chainPlan(t)
	clone := p.Clone()

	require.Equal(t, p.Len(), clone.Len())
	for _, n := range nodes {
		c := clone.NodeByID(n.ID())
		require.NotNil(t, c, "ids preserved across clone")
		require.NotSame(t, n, c, "nodes deep-copied")
		require.Equal(t, n.Kind(), c.Kind())
	}

	t.Run("mutations stay local", func(t *testing.T) {
		clone.EliminateNode(clone.NodeByID(nodes[1].ID()))
		require.NotNil(t, p.NodeByID(nodes[1].ID()))
	})

	t.Run("fresh nodes do not collide", func(t *testing.T) {
		extra := &Limit{Count: 1}
		clone.AddNode(extra)
		require.Nil(t, p.NodeByID(extra.ID()))
	})
}

func TestPlan_Finalize(t *testing.T) {
	p, nodes := chainPlan(t)
	p.Finalize()
	require.True(t, p.Finalized())
	require.Panics(t, func() { p.AddNode(&Limit{}) })
	require.Panics(t, func() { p.EliminateNode(nodes[1]) })
}

func TestPlan_IsDeadSimple(t *testing.T) {
	p := NewPlan()
	ret := &Return{In: Variable{ID: 1, Name: "x"}}
	calc := &Calculation{Expr: &LiteralExpr{Value: 1}, Out: Variable{ID: 1, Name: "x"}}
	singleton := &Singleton{}
	p.AddNode(ret)
	p.AddNode(calc)
	p.AddNode(singleton)
	require.NoError(t, p.AddDependency(ret, calc))
	require.NoError(t, p.AddDependency(calc, singleton))
	require.True(t, p.IsDeadSimple())

	full, _ := chainPlan(t)
	require.False(t, full.IsDeadSimple())
}

func TestPlan_RuleBookkeeping(t *testing.T) {
	p := NewPlan()
	p.AddAppliedRule("use-indexes")
	p.AddAppliedRule("use-indexes")
	require.Equal(t, []string{"use-indexes"}, p.AppliedRules())

	p.DisableRule("interchange-adjacent-enumerations")
	require.True(t, p.IsDisabledRule("interchange-adjacent-enumerations"))
	p.EnableRule("interchange-adjacent-enumerations")
	require.False(t, p.IsDisabledRule("interchange-adjacent-enumerations"))
}

func TestParseNodeKind(t *testing.T) {
	for kind, name := range map[NodeKind]string{
		NodeKindSingleton: "Singleton",
		NodeKindGather:    "Gather",
		NodeKindUpsert:    "Upsert",
	} {
		parsed, ok := ParseNodeKind(name)
		require.True(t, ok)
		require.Equal(t, kind, parsed)
	}
	_, ok := ParseNodeKind("Bogus")
	require.False(t, ok)
}
