package physical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlan_Cost(t *testing.T) {
	t.Run("memoized and invalidated", func(t *testing.T) {
		p, _ := chainPlan(t)
		first, err := p.Cost()
		require.NoError(t, err)
		again, err := p.Cost()
		require.NoError(t, err)
		require.Equal(t, first, again)

		// a structural change must drop the memo
		root, err := p.Root()
		require.NoError(t, err)
		require.NoError(t, p.InsertAbove(root, &Limit{Count: 1}))
		after, err := p.Cost()
		require.NoError(t, err)
		require.NotEqual(t, first, after)
	})

	t.Run("index scan beats full scan with filter", func(t *testing.T) {
		full, _ := chainPlan(t)

		indexed := full.Clone()
		var enum, filter, calc Node
		for _, n := range indexed.Graph().Nodes() {
			switch n.Kind() {
			case NodeKindEnumerateCollection:
				enum = n
			case NodeKindFilter:
				filter = n
			case NodeKindCalculation:
				calc = n
			}
		}
		scan := NewIndexScan("users", "idx_age", Variable{ID: 1, Name: "doc"}, nil, 1000, 0.01)
		indexed.ReplaceNode(enum, scan)
		indexed.EliminateNode(filter)
		indexed.EliminateNode(calc)

		fullCost, err := full.Cost()
		require.NoError(t, err)
		indexedCost, err := indexed.Cost()
		require.NoError(t, err)
		require.Less(t, indexedCost.Cost, fullCost.Cost)
	})

	t.Run("remote adds cost without changing cardinality", func(t *testing.T) {
		local, _ := chainPlan(t)
		localCost, err := local.Cost()
		require.NoError(t, err)

		distributed, nodes := chainPlan(t)
		require.NoError(t, distributed.InsertBetween(nodes[2], nodes[3], &Gather{Mode: GatherUnsorted}, &Remote{}))
		distCost, err := distributed.Cost()
		require.NoError(t, err)

		require.Greater(t, distCost.Cost, localCost.Cost)
		require.Equal(t, localCost.Items, distCost.Items)
	})

	t.Run("no results is near free", func(t *testing.T) {
		p := NewPlan()
		ret := &Return{In: Variable{ID: 1, Name: "doc"}}
		none := &NoResults{}
		p.AddNode(ret)
		p.AddNode(none)
		require.NoError(t, p.AddDependency(ret, none))

		c, err := p.Cost()
		require.NoError(t, err)
		require.Zero(t, c.Items)
		require.Less(t, c.Cost, 1.0)
	})
}
