package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

func drainClient(t *testing.T, b *BlocksWithClients, clientID string) []int {
	t.Helper()
	var out []int
	for {
		state, _, batch, err := b.ExecuteForClient(context.Background(), NewCallStack(DefaultCall()), clientID)
		require.NoError(t, err)
		require.NotEqual(t, Waiting, state)
		out = append(out, values(batch)...)
		if state == Done {
			return out
		}
	}
}

func TestScatterBlock(t *testing.T) {
	ctx := context.Background()
	clients := []string{"r1", "r2", "r3"}

	t.Run("every client sees every row", func(t *testing.T) {
		scatter := NewScatterBlock(nil, nil, NewSourceBlock(nil, numRows(5)), clients)

		for _, c := range clients {
			require.Equal(t, []int{0, 1, 2, 3, 4}, drainClient(t, scatter, c))
		}
	})

	t.Run("clients progress independently", func(t *testing.T) {
		scatter := NewScatterBlock(nil, nil, NewSourceBlock(nil, numRows(4)), clients)

		state, _, batch, err := scatter.ExecuteForClient(ctx, NewCallStack(Call{SoftLimit: 2, HardLimit: Unlimited}), "r1")
		require.NoError(t, err)
		require.Equal(t, HasMore, state)
		require.Equal(t, []int{0, 1}, values(batch))

		// r2 starts at the beginning regardless of r1's position
		require.Equal(t, []int{0, 1, 2, 3}, drainClient(t, scatter, "r2"))
		require.Equal(t, []int{2, 3}, drainClient(t, scatter, "r1"))
	})

	t.Run("skip satisfied from the buffer", func(t *testing.T) {
		rec := &recordingBlock{Block: NewSourceBlock(nil, numRows(6))}
		scatter := NewScatterBlock(nil, nil, rec, clients)

		state, skipped, batch, err := scatter.ExecuteForClient(ctx, NewCallStack(Call{Offset: 4, SoftLimit: DefaultBatchSize, HardLimit: Unlimited}), "r3")
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, uint64(4), skipped.Top())
		require.Equal(t, []int{4, 5}, values(batch))

		for _, c := range rec.calls {
			require.Equal(t, uint64(0), c.Offset)
		}
	})

	t.Run("waiting upstream", func(t *testing.T) {
		scatter := NewScatterBlock(nil, nil, NewSourceBlock(nil, numRows(2)).WaitFirst(1), clients)

		state, _, _, err := scatter.ExecuteForClient(ctx, NewCallStack(DefaultCall()), "r1")
		require.NoError(t, err)
		require.Equal(t, Waiting, state)

		require.Equal(t, []int{0, 1}, drainClient(t, scatter, "r1"))
	})

	t.Run("client id validation", func(t *testing.T) {
		scatter := NewScatterBlock(nil, nil, NewSourceBlock(nil, nil), clients)

		_, err := scatter.GetClientID("")
		require.ErrorIs(t, err, errors.ErrInternal)

		_, err = scatter.GetClientID("r9")
		require.ErrorIs(t, err, errors.ErrInternal)

		idx, err := scatter.GetClientID("r2")
		require.NoError(t, err)
		require.Equal(t, 1, idx)
	})

	t.Run("direct execute disallowed", func(t *testing.T) {
		scatter := NewScatterBlock(nil, nil, NewSourceBlock(nil, nil), clients)
		_, _, _, err := scatter.Execute(ctx, NewCallStack(DefaultCall()))
		require.ErrorIs(t, err, errors.ErrNotImplemented)
	})

	t.Run("kill observed", func(t *testing.T) {
		kill := &types.KillSwitch{}
		scatter := NewScatterBlock(nil, kill, NewSourceBlock(kill, numRows(2)), clients)
		kill.Kill()

		_, _, _, err := scatter.ExecuteForClient(ctx, NewCallStack(DefaultCall()), "r1")
		require.ErrorIs(t, err, errors.ErrKilled)
	})
}

func TestDistributeBlock(t *testing.T) {
	ctx := context.Background()
	clients := []string{"s1", "s2", "s3"}
	byValue := func(row Row, n int) (int, error) { return row["v"].(int) % n, nil }

	t.Run("every row goes to exactly one client", func(t *testing.T) {
		dist := NewDistributeBlock(nil, nil, NewSourceBlock(nil, numRows(9)), clients, byValue)

		require.Equal(t, []int{0, 3, 6}, drainClient(t, dist, "s1"))
		require.Equal(t, []int{1, 4, 7}, drainClient(t, dist, "s2"))
		require.Equal(t, []int{2, 5, 8}, drainClient(t, dist, "s3"))
	})

	t.Run("router error aborts", func(t *testing.T) {
		dist := NewDistributeBlock(nil, nil, NewSourceBlock(nil, numRows(1)), clients, func(Row, int) (int, error) {
			return 0, errors.ErrForbidden
		})

		_, _, _, err := dist.ExecuteForClient(ctx, NewCallStack(DefaultCall()), "s1")
		require.ErrorIs(t, err, errors.ErrForbidden)
	})

	t.Run("out of range index rejected", func(t *testing.T) {
		dist := NewDistributeBlock(nil, nil, NewSourceBlock(nil, numRows(1)), clients, func(Row, int) (int, error) {
			return 5, nil
		})

		_, _, _, err := dist.ExecuteForClient(ctx, NewCallStack(DefaultCall()), "s1")
		require.ErrorIs(t, err, errors.ErrInternal)
	})
}

func TestKeyHashRouter(t *testing.T) {
	t.Run("stable per key", func(t *testing.T) {
		route := KeyHashRouter("_key", false, types.RoleCoordinator)

		a, err := route(Row{"_key": "alpha"}, 3)
		require.NoError(t, err)
		b, err := route(Row{"_key": "alpha"}, 3)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("synthesizes missing keys on the coordinator", func(t *testing.T) {
		route := KeyHashRouter("_key", true, types.RoleCoordinator)

		row := Row{"v": 1}
		idx, err := route(row, 3)
		require.NoError(t, err)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 3)
		require.NotEmpty(t, row["_key"])
	})

	t.Run("missing key without creation", func(t *testing.T) {
		route := KeyHashRouter("_key", false, types.RoleCoordinator)
		_, err := route(Row{"v": 1}, 3)
		require.ErrorIs(t, err, errors.ErrForbidden)
	})

	t.Run("data servers never mint keys", func(t *testing.T) {
		route := KeyHashRouter("_key", true, types.RoleDBServer)
		_, err := route(Row{"v": 1}, 3)
		require.ErrorIs(t, err, errors.ErrForbidden)
	})
}

func TestClientBlockAdapter(t *testing.T) {
	scatter := NewScatterBlock(nil, nil, NewSourceBlock(nil, numRows(3)), []string{"r1", "r2"})
	adapter := scatter.ClientBlock("r2")

	state, _, batch, err := adapter.Execute(context.Background(), NewCallStack(DefaultCall()))
	require.NoError(t, err)
	require.Equal(t, Done, state)
	require.Equal(t, []int{0, 1, 2}, values(batch))

	require.NoError(t, adapter.Shutdown(nil))
	require.NoError(t, adapter.Shutdown(nil))
}

// countingBlock records how many shutdowns reached it.
type countingBlock struct {
	Block
	shutdowns atomic.Int32
}

func (c *countingBlock) Shutdown(err error) error {
	c.shutdowns.Inc()
	return c.Block.Shutdown(err)
}

func TestBlocksWithClientsShutdownOnce(t *testing.T) {
	upstream := &countingBlock{Block: NewSourceBlock(nil, numRows(2))}
	scatter := NewScatterBlock(nil, nil, upstream, []string{"r1", "r2"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = scatter.Shutdown(nil)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), upstream.shutdowns.Load())
}
