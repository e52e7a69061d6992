package executor

import (
	"context"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// SourceBlock produces a fixed sequence of rows. It backs singleton and
// list enumeration as well as deserialized remote batches.
type SourceBlock struct {
	blockBase
	rows []Row
	pos  int

	// pendingWaits makes the next executions return Waiting before any
	// row is produced, simulating an external waiter.
	pendingWaits int
}

// NewSourceBlock creates a block over the given rows.
func NewSourceBlock(kill *types.KillSwitch, rows []Row) *SourceBlock {
	return &SourceBlock{blockBase: blockBase{kill: kill}, rows: rows}
}

// WaitFirst makes the block return Waiting n times before producing.
func (b *SourceBlock) WaitFirst(n int) *SourceBlock {
	b.pendingWaits = n
	return b
}

func (b *SourceBlock) Execute(_ context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	if err := b.checkKill(); err != nil {
		return Done, SkipResult{}, nil, err
	}
	if err := requireRelevant(stack); err != nil {
		return Done, SkipResult{}, nil, err
	}
	if b.pendingWaits > 0 {
		b.pendingWaits--
		return Waiting, SkipResult{}, nil, nil
	}

	call := stack.Peek()
	skipped := NewSkipResult(stack.Depth())

	for call.Offset > 0 && b.pos < len(b.rows) {
		b.pos++
		call.Offset--
		skipped.Add(1)
	}

	limit := call.Limit()
	var batch *ItemBlock
	for limit > 0 && b.pos < len(b.rows) {
		if batch == nil {
			batch = &ItemBlock{}
		}
		batch.Rows = append(batch.Rows, b.rows[b.pos])
		b.pos++
		limit--
	}

	state := HasMore
	if b.pos >= len(b.rows) {
		state = Done
	}
	return state, skipped, batch, nil
}

func (b *SourceBlock) InitializeCursor() error {
	b.pos = 0
	return nil
}

func (b *SourceBlock) Shutdown(error) error {
	b.shutdownOnce()
	return nil
}

// FilterBlock drops upstream rows failing a predicate. Skip requests are
// satisfied locally by discarding matching rows; they are never forwarded
// upstream, which would lose rows the predicate rejects.
type FilterBlock struct {
	blockBase
	upstream Block
	pred     func(Row) bool

	buffer       []Row
	upstreamDone bool
}

// NewFilterBlock creates a filter over upstream.
func NewFilterBlock(kill *types.KillSwitch, upstream Block, pred func(Row) bool) *FilterBlock {
	return &FilterBlock{blockBase: blockBase{kill: kill}, upstream: upstream, pred: pred}
}

func (b *FilterBlock) Execute(ctx context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	if err := b.checkKill(); err != nil {
		return Done, SkipResult{}, nil, err
	}
	if err := requireRelevant(stack); err != nil {
		return Done, SkipResult{}, nil, err
	}

	call := stack.Peek()
	skipped := NewSkipResult(stack.Depth())

	for len(b.buffer) == 0 && !b.upstreamDone {
		upStack := stack.Clone()
		upStack.ReplaceTop(DefaultCall())
		state, _, batch, err := b.upstream.Execute(ctx, upStack)
		if err != nil {
			return Done, SkipResult{}, nil, err
		}
		if state == Waiting {
			return Waiting, SkipResult{}, nil, nil
		}
		if batch != nil {
			for _, row := range batch.Rows {
				if b.pred(row) {
					b.buffer = append(b.buffer, row)
				}
			}
		}
		if state == Done {
			b.upstreamDone = true
		}
	}

	n := uint64(len(b.buffer))
	drop := min(call.Offset, n)
	if drop > 0 {
		b.buffer = b.buffer[drop:]
		skipped.Add(drop)
	}

	var batch *ItemBlock
	take := min(call.Limit(), uint64(len(b.buffer)))
	if take > 0 {
		batch = &ItemBlock{Rows: b.buffer[:take]}
		b.buffer = b.buffer[take:]
	}

	state := HasMore
	if len(b.buffer) == 0 && b.upstreamDone {
		state = Done
	}
	return state, skipped, batch, nil
}

func (b *FilterBlock) InitializeCursor() error {
	b.buffer = nil
	b.upstreamDone = false
	return b.upstream.InitializeCursor()
}

func (b *FilterBlock) Shutdown(err error) error {
	if !b.shutdownOnce() {
		return nil
	}
	return b.upstream.Shutdown(err)
}

// MapBlock applies a transform to every upstream row. It backs calculation
// nodes.
type MapBlock struct {
	blockBase
	upstream Block
	fn       func(Row) (Row, error)
}

// NewMapBlock creates a per-row transform over upstream.
func NewMapBlock(kill *types.KillSwitch, upstream Block, fn func(Row) (Row, error)) *MapBlock {
	return &MapBlock{blockBase: blockBase{kill: kill}, upstream: upstream, fn: fn}
}

func (b *MapBlock) Execute(ctx context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	if err := b.checkKill(); err != nil {
		return Done, SkipResult{}, nil, err
	}
	state, skipped, batch, err := b.upstream.Execute(ctx, stack)
	if err != nil || state == Waiting || batch.Len() == 0 {
		return state, skipped, batch, err
	}
	out := &ItemBlock{Rows: make([]Row, 0, batch.Len())}
	for _, row := range batch.Rows {
		mapped, err := b.fn(row)
		if err != nil {
			return Done, SkipResult{}, nil, err
		}
		out.Rows = append(out.Rows, mapped)
	}
	return state, skipped, out, nil
}

func (b *MapBlock) InitializeCursor() error { return b.upstream.InitializeCursor() }

func (b *MapBlock) Shutdown(err error) error {
	if !b.shutdownOnce() {
		return nil
	}
	return b.upstream.Shutdown(err)
}

// LimitBlock caps the total number of rows flowing through it, after an
// initial offset.
type LimitBlock struct {
	blockBase
	upstream Block
	offset   uint64
	count    uint64

	dropped  uint64
	produced uint64
}

// NewLimitBlock creates a limit over upstream.
func NewLimitBlock(kill *types.KillSwitch, upstream Block, offset, count uint64) *LimitBlock {
	return &LimitBlock{blockBase: blockBase{kill: kill}, upstream: upstream, offset: offset, count: count}
}

func (b *LimitBlock) Execute(ctx context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	if err := b.checkKill(); err != nil {
		return Done, SkipResult{}, nil, err
	}
	if err := requireRelevant(stack); err != nil {
		return Done, SkipResult{}, nil, err
	}
	call := stack.Peek()
	skipped := NewSkipResult(stack.Depth())
	if b.produced >= b.count {
		return Done, skipped, nil, nil
	}

	// The caller's offset consumes rows from this block's window, so it is
	// folded into the upstream call on top of the block's own offset.
	remaining := b.count - b.produced
	callerSkip := min(call.Offset, remaining)

	upStack := stack.Clone()
	upStack.ReplaceTop(Call{
		Offset:    (b.offset - b.dropped) + callerSkip,
		SoftLimit: min(call.Limit(), remaining-callerSkip),
		HardLimit: remaining - callerSkip,
	})
	state, upSkipped, batch, err := b.upstream.Execute(ctx, upStack)
	if err != nil || state == Waiting {
		return state, SkipResult{}, nil, err
	}

	// Upstream drops satisfy the block's own offset first; the rest were
	// asked for by the caller and are reported back as skipped.
	drops := upSkipped.Top()
	own := min(drops, b.offset-b.dropped)
	b.dropped += own
	skipped.Add(drops - own)
	b.produced += (drops - own) + uint64(batch.Len())

	if b.produced >= b.count {
		state = Done
	}
	return state, skipped, batch, nil
}

func (b *LimitBlock) InitializeCursor() error {
	b.dropped = 0
	b.produced = 0
	return b.upstream.InitializeCursor()
}

func (b *LimitBlock) Shutdown(err error) error {
	if !b.shutdownOnce() {
		return nil
	}
	return b.upstream.Shutdown(err)
}
