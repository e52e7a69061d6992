package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

func defaultRule(t *testing.T, name string) Rule {
	t.Helper()
	for _, r := range defaultRules() {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no default rule named %q", name)
	return Rule{}
}

// runRule passes the seed through a single default rule.
func runRule(t *testing.T, cat Catalog, name string, seed *physical.Plan) []*physical.Plan {
	t.Helper()
	o := NewWithRules(nil, "shop", cat, []Rule{defaultRule(t, name)})
	plans, err := o.CreatePlans(seed, Options{InspectSimplePlans: true}, false)
	require.NoError(t, err)
	require.NotEmpty(t, plans)
	return plans
}

func kinds(p *physical.Plan) map[physical.NodeKind]int {
	out := make(map[physical.NodeKind]int)
	for _, n := range p.Graph().Nodes() {
		out[n.Kind()]++
	}
	return out
}

func chain(t *testing.T, p *physical.Plan, nodes ...physical.Node) {
	t.Helper()
	for _, n := range nodes {
		p.AddNode(n)
	}
	for i := 0; i < len(nodes)-1; i++ {
		require.NoError(t, p.AddDependency(nodes[i], nodes[i+1]))
	}
}

func TestRemoveUnnecessaryFilters(t *testing.T) {
	doc := physical.Variable{ID: 1, Name: "doc"}
	cond := physical.Variable{ID: 2, Name: "cond"}

	build := func(t *testing.T, expr physical.Expression) *physical.Plan {
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: doc},
			&physical.Filter{In: cond},
			&physical.Calculation{Out: cond, Expr: expr},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)
		return p
	}

	t.Run("constant true drops the filter", func(t *testing.T) {
		plans := runRule(t, fakeCatalog{}, "remove-unnecessary-filters", build(t, &physical.LiteralExpr{Value: true}))

		got := kinds(plans[0])
		require.Zero(t, got[physical.NodeKindFilter])
		require.Equal(t, 1, got[physical.NodeKindCalculation])
		require.Contains(t, plans[0].AppliedRules(), "remove-unnecessary-filters")
	})

	t.Run("constant false becomes no-results", func(t *testing.T) {
		plans := runRule(t, fakeCatalog{}, "remove-unnecessary-filters", build(t, &physical.LiteralExpr{Value: false}))

		got := kinds(plans[0])
		require.Zero(t, got[physical.NodeKindFilter])
		require.Equal(t, 1, got[physical.NodeKindNoResults])
	})

	t.Run("computed condition stays", func(t *testing.T) {
		expr := &physical.BinaryExpr{
			Op:    physical.OpGt,
			Left:  &physical.FieldExpr{Var: doc, Path: "age"},
			Right: &physical.LiteralExpr{Value: 21},
		}
		plans := runRule(t, fakeCatalog{}, "remove-unnecessary-filters", build(t, expr))

		require.Equal(t, 1, kinds(plans[0])[physical.NodeKindFilter])
		require.Empty(t, plans[0].AppliedRules())
	})
}

func TestRemoveUnnecessaryCalculations(t *testing.T) {
	doc := physical.Variable{ID: 1, Name: "doc"}
	a := physical.Variable{ID: 2, Name: "a"}
	b := physical.Variable{ID: 3, Name: "b"}

	t.Run("chained dead calculations vanish together", func(t *testing.T) {
		// b depends on a; neither is consumed afterwards, so removing b
		// must orphan and then remove a as well
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: doc},
			&physical.Calculation{Out: b, Expr: &physical.VariableExpr{Var: a}},
			&physical.Calculation{Out: a, Expr: &physical.FieldExpr{Var: doc, Path: "age"}},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "remove-unnecessary-calculations", p)
		require.Zero(t, kinds(plans[0])[physical.NodeKindCalculation])
	})

	t.Run("consumed calculation stays", func(t *testing.T) {
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: a},
			&physical.Calculation{Out: a, Expr: &physical.FieldExpr{Var: doc, Path: "age"}},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "remove-unnecessary-calculations", p)
		require.Equal(t, 1, kinds(plans[0])[physical.NodeKindCalculation])
	})

	t.Run("non-deterministic calculation stays", func(t *testing.T) {
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: doc},
			&physical.Calculation{Out: a, Expr: &physical.FunctionExpr{Name: "RAND"}},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "remove-unnecessary-calculations", p)
		require.Equal(t, 1, kinds(plans[0])[physical.NodeKindCalculation])
	})
}

func TestInterchangeAdjacentEnumerations(t *testing.T) {
	users := physical.Variable{ID: 1, Name: "u"}
	orders := physical.Variable{ID: 2, Name: "o"}

	t.Run("independent pair forks a swapped plan", func(t *testing.T) {
		p := physical.NewPlan()
		inner := physical.NewEnumerateCollection("orders", orders, 100)
		outer := physical.NewEnumerateCollection("users", users, 1000)
		chain(t, p, &physical.Return{In: users}, inner, outer, &physical.Singleton{})

		plans := runRule(t, fakeCatalog{}, "interchange-adjacent-enumerations", p)
		require.Len(t, plans, 2)

		orderings := make(map[string]bool)
		for _, plan := range plans {
			in := plan.NodeByID(inner.ID())
			parents := plan.Parents(in)
			require.Len(t, parents, 1)
			orderings[parents[0].Kind().String()] = true
		}
		// one plan kept orders above users, the fork swapped them
		require.Len(t, orderings, 2)
	})

	t.Run("dependent pair is left alone", func(t *testing.T) {
		items := physical.Variable{ID: 3, Name: "items"}
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: items},
			&physical.EnumerateList{In: users, Out: items}, // reads the outer loop's variable
			physical.NewEnumerateCollection("users", users, 1000),
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "interchange-adjacent-enumerations", p)
		require.Len(t, plans, 1)
	})
}

func TestUseIndexes(t *testing.T) {
	doc := physical.Variable{ID: 1, Name: "doc"}
	cond := physical.Variable{ID: 2, Name: "cond"}

	build := func(t *testing.T) *physical.Plan {
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: doc},
			&physical.Filter{In: cond},
			&physical.Calculation{Out: cond, Expr: &physical.BinaryExpr{
				Op:    physical.OpEq,
				Left:  &physical.FieldExpr{Var: doc, Path: "age"},
				Right: &physical.LiteralExpr{Value: 42},
			}},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)
		return p
	}

	t.Run("equality filter becomes an index scan", func(t *testing.T) {
		cat := fakeCatalog{role: types.RoleSingle, indexes: map[string]string{"users.age": "idx_age"}}
		o := New(nil, "shop", cat)

		plans, err := o.CreatePlans(build(t), Options{}, false)
		require.NoError(t, err)
		require.Len(t, plans, 1)

		// the jump back re-runs calculation cleanup, so only the scan,
		// the return, and the singleton survive
		got := kinds(plans[0])
		require.Equal(t, 3, plans[0].Len())
		require.Equal(t, 1, got[physical.NodeKindIndexScan])
		require.Zero(t, got[physical.NodeKindFilter])
		require.Zero(t, got[physical.NodeKindCalculation])

		scan := plans[0].NodesOfKind(physical.NodeKindIndexScan)[0].(*physical.IndexScan)
		require.Equal(t, "idx_age", scan.Index)
		require.Equal(t, "users", scan.Collection())
		require.NotNil(t, scan.Condition)

		require.Contains(t, plans[0].AppliedRules(), "use-indexes")
		require.Contains(t, plans[0].AppliedRules(), "remove-unnecessary-calculations")
	})

	t.Run("no covering index keeps the scan", func(t *testing.T) {
		cat := fakeCatalog{role: types.RoleSingle}
		plans := runRule(t, cat, "use-indexes", build(t))

		got := kinds(plans[0])
		require.Zero(t, got[physical.NodeKindIndexScan])
		require.Equal(t, 1, got[physical.NodeKindFilter])
	})

	t.Run("non-equality predicates are not converted", func(t *testing.T) {
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: doc},
			&physical.Filter{In: cond},
			&physical.Calculation{Out: cond, Expr: &physical.BinaryExpr{
				Op:    physical.OpGt,
				Left:  &physical.FieldExpr{Var: doc, Path: "age"},
				Right: &physical.LiteralExpr{Value: 42},
			}},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)

		cat := fakeCatalog{indexes: map[string]string{"users.age": "idx_age"}}
		plans := runRule(t, cat, "use-indexes", p)
		require.Zero(t, kinds(plans[0])[physical.NodeKindIndexScan])
	})
}

func TestRemoveRedundantSorts(t *testing.T) {
	doc := physical.Variable{ID: 1, Name: "doc"}
	byAge := []physical.SortElement{{Var: doc, Ascending: true}}

	t.Run("inner sort under a sort is dropped", func(t *testing.T) {
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: doc},
			&physical.Sort{Elements: byAge},
			&physical.Sort{Elements: []physical.SortElement{{Var: doc}}},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "remove-redundant-sorts", p)
		require.Equal(t, 1, kinds(plans[0])[physical.NodeKindSort])
	})

	t.Run("stable inner sort survives", func(t *testing.T) {
		p := physical.NewPlan()
		chain(t, p,
			&physical.Return{In: doc},
			&physical.Sort{Elements: byAge},
			&physical.Sort{Elements: []physical.SortElement{{Var: doc}}, Stable: true},
			physical.NewEnumerateCollection("users", doc, 1000),
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "remove-redundant-sorts", p)
		require.Equal(t, 2, kinds(plans[0])[physical.NodeKindSort])
	})
}

func TestDistributeInCluster(t *testing.T) {
	doc := physical.Variable{ID: 1, Name: "doc"}
	coordinator := func(shards ...string) fakeCatalog {
		return fakeCatalog{role: types.RoleCoordinator, shards: map[string][]string{"users": shards}}
	}

	t.Run("read gets gather and remote above the scan", func(t *testing.T) {
		p := physical.NewPlan()
		enum := physical.NewEnumerateCollection("users", doc, 1000)
		chain(t, p, &physical.Return{In: doc}, enum, &physical.Singleton{})

		plans := runRule(t, coordinator("s1", "s2", "s3"), "distribute-in-cluster", p)
		plan := plans[0]

		node := plan.NodeByID(enum.ID())
		parents := plan.Parents(node)
		require.Len(t, parents, 1)
		require.Equal(t, physical.NodeKindRemote, parents[0].Kind())

		grand := plan.Parents(parents[0])
		require.Len(t, grand, 1)
		require.Equal(t, physical.NodeKindGather, grand[0].Kind())
		require.Equal(t, physical.GatherUnsorted, grand[0].(*physical.Gather).Mode)

		// the singleton input does not force a scatter
		require.Zero(t, kinds(plan)[physical.NodeKindScatter])
	})

	t.Run("sorted parent selects a merging gather", func(t *testing.T) {
		for _, tc := range []struct {
			shards []string
			mode   physical.GatherSortMode
		}{
			{[]string{"s1", "s2"}, physical.GatherSortedMinElement},
			{[]string{"s1", "s2", "s3"}, physical.GatherSortedHeap},
		} {
			p := physical.NewPlan()
			elements := []physical.SortElement{{Var: doc, Ascending: true}}
			chain(t, p,
				&physical.Return{In: doc},
				&physical.Sort{Elements: elements},
				physical.NewEnumerateCollection("users", doc, 1000),
				&physical.Singleton{},
			)

			plans := runRule(t, coordinator(tc.shards...), "distribute-in-cluster", p)
			gathers := plans[0].NodesOfKind(physical.NodeKindGather)
			require.Len(t, gathers, 1)
			g := gathers[0].(*physical.Gather)
			require.Equal(t, tc.mode, g.Mode, "with %d shards", len(tc.shards))
			require.Equal(t, elements, g.Elements)
		}
	})

	t.Run("insert gets a key-creating distribute below", func(t *testing.T) {
		rows := physical.Variable{ID: 2, Name: "rows"}
		p := physical.NewPlan()
		insert := physical.NewModification(physical.NodeKindInsert, "users", rows, physical.Variable{})
		chain(t, p,
			insert,
			&physical.Calculation{Out: rows, Expr: &physical.LiteralExpr{Value: map[string]any{"name": "ann"}}},
			&physical.Singleton{},
		)

		plans := runRule(t, coordinator("s1", "s2"), "distribute-in-cluster", p)
		plan := plans[0]

		node := plan.NodeByID(insert.ID())
		require.Equal(t, physical.NodeKindRemote, plan.Parents(node)[0].Kind())

		// below the insert: remote, then the router
		children := plan.Children(node)
		require.Len(t, children, 1)
		require.Equal(t, physical.NodeKindRemote, children[0].Kind())
		router := plan.Children(children[0])
		require.Len(t, router, 1)

		dist, ok := router[0].(*physical.Distribute)
		require.True(t, ok)
		require.Equal(t, []string{"s1", "s2"}, dist.Clients)
		require.Equal(t, "_key", dist.KeyField)
		require.True(t, dist.CreateKeys)
	})

	t.Run("remove routes without creating keys", func(t *testing.T) {
		rows := physical.Variable{ID: 2, Name: "rows"}
		p := physical.NewPlan()
		remove := physical.NewModification(physical.NodeKindRemove, "users", rows, physical.Variable{})
		chain(t, p,
			remove,
			&physical.Calculation{Out: rows, Expr: &physical.LiteralExpr{Value: map[string]any{"_key": "k1"}}},
			&physical.Singleton{},
		)

		plans := runRule(t, coordinator("s1", "s2"), "distribute-in-cluster", p)
		dists := plans[0].NodesOfKind(physical.NodeKindDistribute)
		require.Len(t, dists, 1)
		require.False(t, dists[0].(*physical.Distribute).CreateKeys)
	})

	t.Run("already wrapped accessors are not wrapped again", func(t *testing.T) {
		p := physical.NewPlan()
		enum := physical.NewEnumerateCollection("users", doc, 1000)
		chain(t, p, &physical.Return{In: doc}, enum, &physical.Singleton{})

		first := runRule(t, coordinator("s1", "s2"), "distribute-in-cluster", p)
		second := runRule(t, coordinator("s1", "s2"), "distribute-in-cluster", first[0])

		require.Equal(t, 1, kinds(second[0])[physical.NodeKindRemote])
		require.Equal(t, 1, kinds(second[0])[physical.NodeKindGather])
	})

	t.Run("non-coordinators leave the plan alone", func(t *testing.T) {
		p := physical.NewPlan()
		chain(t, p, &physical.Return{In: doc}, physical.NewEnumerateCollection("users", doc, 1000), &physical.Singleton{})

		plans := runRule(t, fakeCatalog{role: types.RoleDBServer}, "distribute-in-cluster", p)
		require.Zero(t, kinds(plans[0])[physical.NodeKindRemote])
	})
}

func TestParallelizeGather(t *testing.T) {
	doc := physical.Variable{ID: 1, Name: "doc"}

	t.Run("reads drain clients concurrently", func(t *testing.T) {
		p := physical.NewPlan()
		gather := &physical.Gather{}
		chain(t, p,
			&physical.Return{In: doc},
			gather,
			&physical.Scatter{Clients: []string{"s1", "s2", "s3"}},
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "parallelize-gather", p)
		require.Equal(t, uint32(3), plans[0].NodeByID(gather.ID()).(*physical.Gather).Parallelism)
	})

	t.Run("modifications keep the serial gather", func(t *testing.T) {
		rows := physical.Variable{ID: 2, Name: "rows"}
		p := physical.NewPlan()
		gather := &physical.Gather{}
		chain(t, p,
			gather,
			physical.NewModification(physical.NodeKindInsert, "users", rows, physical.Variable{}),
			&physical.Scatter{Clients: []string{"s1", "s2"}},
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "parallelize-gather", p)
		require.Zero(t, plans[0].NodeByID(gather.ID()).(*physical.Gather).Parallelism)
	})

	t.Run("explicit parallelism is preserved", func(t *testing.T) {
		p := physical.NewPlan()
		gather := &physical.Gather{Parallelism: 2}
		chain(t, p,
			&physical.Return{In: doc},
			gather,
			&physical.Scatter{Clients: []string{"s1", "s2", "s3"}},
			&physical.Singleton{},
		)

		plans := runRule(t, fakeCatalog{}, "parallelize-gather", p)
		require.Equal(t, uint32(2), plans[0].NodeByID(gather.ID()).(*physical.Gather).Parallelism)
	})
}
