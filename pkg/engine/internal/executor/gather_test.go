package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
)

// meetBlock holds its pull until every sibling pull is in flight, then
// delegates. It fails instead of hanging when the siblings never arrive.
type meetBlock struct {
	Block
	wg *sync.WaitGroup
}

func (m *meetBlock) Execute(ctx context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	m.wg.Done()
	arrived := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(arrived)
	}()
	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		return Done, SkipResult{}, nil, errors.ErrInternal
	}
	return m.Block.Execute(ctx, stack)
}

func TestGatherBlock(t *testing.T) {
	ctx := context.Background()

	rowsOf := func(vs ...int) []Row {
		rows := make([]Row, len(vs))
		for i, v := range vs {
			rows[i] = Row{"v": v}
		}
		return rows
	}
	byV := func(a, b Row) bool { return a["v"].(int) < b["v"].(int) }

	t.Run("unsorted drains children in order", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{
			NewSourceBlock(nil, rowsOf(5, 1)),
			NewSourceBlock(nil, rowsOf(4, 2)),
		}, nil)

		state, _, batch, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, []int{5, 1, 4, 2}, values(batch))
	})

	t.Run("sorted merge keeps order", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{
			NewSourceBlock(nil, rowsOf(1, 4, 7)),
			NewSourceBlock(nil, rowsOf(2, 5, 8)),
			NewSourceBlock(nil, rowsOf(0, 3, 6)),
		}, byV)

		state, _, batch, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, values(batch))
	})

	t.Run("offset counts as skipped", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{
			NewSourceBlock(nil, rowsOf(1, 3)),
			NewSourceBlock(nil, rowsOf(0, 2)),
		}, byV)

		state, skipped, batch, err := gather.Execute(ctx, NewCallStack(Call{Offset: 2, SoftLimit: DefaultBatchSize, HardLimit: Unlimited}))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, uint64(2), skipped.Top())
		require.Equal(t, []int{2, 3}, values(batch))
	})

	t.Run("offset with unlimited call", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{
			NewSourceBlock(nil, rowsOf(0, 1, 2, 3, 4)),
		}, byV)

		state, skipped, batch, err := gather.Execute(ctx, NewCallStack(Call{Offset: 2, SoftLimit: Unlimited, HardLimit: Unlimited}))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, uint64(2), skipped.Top())
		require.Equal(t, []int{2, 3, 4}, values(batch))
	})

	t.Run("limit leaves the merge resumable", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{
			NewSourceBlock(nil, rowsOf(1, 2)),
			NewSourceBlock(nil, rowsOf(0, 3)),
		}, byV)

		state, _, batch, err := gather.Execute(ctx, NewCallStack(Call{SoftLimit: 3, HardLimit: Unlimited}))
		require.NoError(t, err)
		require.Equal(t, HasMore, state)
		require.Equal(t, []int{0, 1, 2}, values(batch))

		state, _, batch, err = gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, []int{3}, values(batch))
	})

	t.Run("waiting child suspends the merge", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{
			NewSourceBlock(nil, rowsOf(0)),
			NewSourceBlock(nil, rowsOf(1)).WaitFirst(1),
		}, byV)

		state, _, _, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Waiting, state)

		state, _, batch, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, []int{0, 1}, values(batch))
	})

	t.Run("parallel top-up pulls children concurrently", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		gather := NewGatherBlock(nil, []Block{
			&meetBlock{Block: NewSourceBlock(nil, rowsOf(0, 2)), wg: &wg},
			&meetBlock{Block: NewSourceBlock(nil, rowsOf(1, 3)), wg: &wg},
		}, byV).WithParallelism(2)

		state, _, batch, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, []int{0, 1, 2, 3}, values(batch))
	})

	t.Run("parallel top-up preserves waiting", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{
			NewSourceBlock(nil, rowsOf(0)),
			NewSourceBlock(nil, rowsOf(1)).WaitFirst(1),
		}, byV).WithParallelism(2)

		state, _, _, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Waiting, state)

		state, _, batch, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, []int{0, 1}, values(batch))
	})

	t.Run("cursor reset", func(t *testing.T) {
		gather := NewGatherBlock(nil, []Block{NewSourceBlock(nil, rowsOf(0, 1))}, nil)
		_, _, _, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)

		require.NoError(t, gather.InitializeCursor())
		state, _, batch, err := gather.Execute(ctx, NewCallStack(DefaultCall()))
		require.NoError(t, err)
		require.Equal(t, Done, state)
		require.Equal(t, []int{0, 1}, values(batch))
	})
}
