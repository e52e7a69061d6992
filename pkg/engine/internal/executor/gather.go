package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Less orders two rows for a sorted gather merge.
type Less func(a, b Row) bool

// GatherBlock merges the streams of several dependencies into one. With a
// nil comparator children are drained in order; with a comparator the
// block performs a min-element merge that keeps the combined stream
// sorted, assuming each child stream is sorted.
type GatherBlock struct {
	blockBase
	children    []Block
	less        Less
	parallelism int

	heads [][]Row
	done  []bool
}

// NewGatherBlock creates a gather over the given children.
func NewGatherBlock(kill *types.KillSwitch, children []Block, less Less) *GatherBlock {
	return &GatherBlock{
		blockBase: blockBase{kill: kill},
		children:  children,
		less:      less,
		heads:     make([][]Row, len(children)),
		done:      make([]bool, len(children)),
	}
}

// WithParallelism lets the block top up to n child streams concurrently.
// Children must not share state; cloned snippet pipelines and remote
// cursors satisfy this.
func (b *GatherBlock) WithParallelism(n uint32) *GatherBlock {
	b.parallelism = int(n)
	return b
}

func (b *GatherBlock) Execute(ctx context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	if err := b.checkKill(); err != nil {
		return Done, SkipResult{}, nil, err
	}
	if err := requireRelevant(stack); err != nil {
		return Done, SkipResult{}, nil, err
	}

	// top up every child's head buffer
	topUp := b.topUpSerial
	if b.parallelism > 1 {
		topUp = b.topUpConcurrent
	}
	state, err := topUp(ctx, stack)
	if err != nil {
		return Done, SkipResult{}, nil, err
	}
	if state == Waiting {
		return Waiting, SkipResult{}, nil, nil
	}

	call := stack.Peek()
	skipped := NewSkipResult(stack.Depth())
	var batch *ItemBlock

	// offset and budget stay separate; their sum can overflow when the
	// call is unlimited
	offset := call.Offset
	budget := call.Limit()
	for offset > 0 || budget > 0 {
		i := b.nextChild()
		if i < 0 {
			break
		}
		row := b.heads[i][0]
		b.heads[i] = b.heads[i][1:]
		if offset > 0 {
			offset--
			skipped.Add(1)
			continue
		}
		if batch == nil {
			batch = &ItemBlock{}
		}
		batch.Rows = append(batch.Rows, row)
		budget--
	}

	state = HasMore
	if b.exhausted() {
		state = Done
	}
	return state, skipped, batch, nil
}

func (b *GatherBlock) topUpSerial(ctx context.Context, stack CallStack) (ExecState, error) {
	for i := range b.children {
		state, err := b.topUpChild(ctx, stack, i)
		if err != nil || state == Waiting {
			return state, err
		}
	}
	return HasMore, nil
}

// topUpConcurrent pulls the empty child streams in parallel, bounded by
// the configured parallelism. Every child writes only its own slot; a
// waiting child does not cut the other pulls short.
func (b *GatherBlock) topUpConcurrent(ctx context.Context, stack CallStack) (ExecState, error) {
	var (
		mut     sync.Mutex
		waiting bool
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for i := range b.children {
		if b.done[i] || len(b.heads[i]) > 0 {
			continue
		}
		i := i
		g.Go(func() error {
			state, err := b.topUpChild(ctx, stack, i)
			if err != nil {
				return err
			}
			if state == Waiting {
				mut.Lock()
				waiting = true
				mut.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Done, err
	}
	if waiting {
		return Waiting, nil
	}
	return HasMore, nil
}

// topUpChild pulls child i until its head buffer holds a row, the child
// finishes, or it suspends.
func (b *GatherBlock) topUpChild(ctx context.Context, stack CallStack, i int) (ExecState, error) {
	for len(b.heads[i]) == 0 && !b.done[i] {
		upStack := stack.Clone()
		upStack.ReplaceTop(DefaultCall())
		state, _, batch, err := b.children[i].Execute(ctx, upStack)
		if err != nil {
			return Done, err
		}
		if state == Waiting {
			return Waiting, nil
		}
		if batch != nil {
			b.heads[i] = append(b.heads[i], batch.Rows...)
		}
		if state == Done {
			b.done[i] = true
		}
	}
	return HasMore, nil
}

// nextChild picks the child whose head row comes next, or -1 when every
// buffered row is spent. Children with an empty buffer that are not yet
// done stall the merge until the next Execute tops them up.
func (b *GatherBlock) nextChild() int {
	best := -1
	for i := range b.heads {
		if len(b.heads[i]) == 0 {
			if !b.done[i] {
				return -1
			}
			continue
		}
		if best < 0 {
			best = i
			if b.less == nil {
				return best
			}
			continue
		}
		if b.less != nil && b.less(b.heads[i][0], b.heads[best][0]) {
			best = i
		}
	}
	return best
}

func (b *GatherBlock) exhausted() bool {
	for i := range b.heads {
		if len(b.heads[i]) > 0 || !b.done[i] {
			return false
		}
	}
	return true
}

func (b *GatherBlock) InitializeCursor() error {
	for i := range b.heads {
		b.heads[i] = nil
		b.done[i] = false
	}
	for _, child := range b.children {
		if err := child.InitializeCursor(); err != nil {
			return err
		}
	}
	return nil
}

func (b *GatherBlock) Shutdown(err error) error {
	if !b.shutdownOnce() {
		return nil
	}
	var firstErr error
	for _, child := range b.children {
		if cerr := child.Shutdown(err); cerr != nil && firstErr == nil {
			firstErr = cerr
		}
	}
	return firstErr
}
