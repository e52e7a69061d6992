package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// drainState incrementally drains an upstream block, surviving Waiting
// returns across invocations.
type drainState struct {
	rows []executor.Row
	done bool
}

func (d *drainState) drain(ctx context.Context, upstream executor.Block, stack executor.CallStack) (waiting bool, err error) {
	for !d.done {
		upStack := stack.Clone()
		upStack.ReplaceTop(executor.DefaultCall())
		state, _, batch, err := upstream.Execute(ctx, upStack)
		if err != nil {
			return false, err
		}
		if state == executor.Waiting {
			return true, nil
		}
		if batch != nil {
			d.rows = append(d.rows, batch.Rows...)
		}
		if state == executor.Done {
			d.done = true
		}
	}
	return false, nil
}

func (d *drainState) reset() {
	d.rows = nil
	d.done = false
}

// serve answers one call from a materialized row set, consuming it.
func serveRows(rows []executor.Row, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, []executor.Row) {
	call := stack.Peek()
	skipped := executor.NewSkipResult(stack.Depth())

	drop := min(call.Offset, uint64(len(rows)))
	if drop > 0 {
		rows = rows[drop:]
		skipped.Add(drop)
	}

	var batch *executor.ItemBlock
	take := min(call.Limit(), uint64(len(rows)))
	if take > 0 {
		batch = &executor.ItemBlock{Rows: rows[:take]}
		rows = rows[take:]
	}

	state := executor.HasMore
	if len(rows) == 0 {
		state = executor.Done
	}
	return state, skipped, batch, rows
}

// lazyScanBlock loads its rows on first execution.
type lazyScanBlock struct {
	kill *types.KillSwitch
	load func(ctx context.Context) ([]executor.Row, error)

	src *executor.SourceBlock
}

func (b *lazyScanBlock) Execute(ctx context.Context, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	if b.src == nil {
		rows, err := b.load(ctx)
		if err != nil {
			return executor.Done, executor.SkipResult{}, nil, err
		}
		b.src = executor.NewSourceBlock(b.kill, rows)
	}
	return b.src.Execute(ctx, stack)
}

func (b *lazyScanBlock) InitializeCursor() error {
	if b.src != nil {
		return b.src.InitializeCursor()
	}
	return nil
}

func (b *lazyScanBlock) Shutdown(err error) error {
	if b.src != nil {
		return b.src.Shutdown(err)
	}
	return nil
}

// listExpandBlock emits one row per element of a list-typed variable.
type listExpandBlock struct {
	kill     *types.KillSwitch
	upstream executor.Block
	in, out  physical.Variable

	buffer       []executor.Row
	upstreamDone bool
	down         bool
}

func (b *listExpandBlock) Execute(ctx context.Context, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	if b.kill != nil && b.kill.Killed() {
		return executor.Done, executor.SkipResult{}, nil, errors.ErrKilled
	}

	for len(b.buffer) == 0 && !b.upstreamDone {
		upStack := stack.Clone()
		upStack.ReplaceTop(executor.DefaultCall())
		state, _, batch, err := b.upstream.Execute(ctx, upStack)
		if err != nil {
			return executor.Done, executor.SkipResult{}, nil, err
		}
		if state == executor.Waiting {
			return executor.Waiting, executor.SkipResult{}, nil, nil
		}
		if batch == nil {
			batch = &executor.ItemBlock{}
		}
		for _, row := range batch.Rows {
			list, ok := row[b.in.Name].([]any)
			if !ok {
				continue
			}
			for _, elem := range list {
				expanded := make(executor.Row, len(row)+1)
				for k, v := range row {
					expanded[k] = v
				}
				expanded[b.out.Name] = elem
				b.buffer = append(b.buffer, expanded)
			}
		}
		if state == executor.Done {
			b.upstreamDone = true
		}
	}

	state, skipped, batch, rest := serveRows(b.buffer, stack)
	b.buffer = rest
	if state == executor.Done && !b.upstreamDone {
		state = executor.HasMore
	}
	return state, skipped, batch, nil
}

func (b *listExpandBlock) InitializeCursor() error {
	b.buffer = nil
	b.upstreamDone = false
	return b.upstream.InitializeCursor()
}

func (b *listExpandBlock) Shutdown(err error) error {
	if b.down {
		return nil
	}
	b.down = true
	return b.upstream.Shutdown(err)
}

// sortBlock materializes its input and serves it sorted.
type sortBlock struct {
	kill     *types.KillSwitch
	upstream executor.Block
	elements []physical.SortElement

	drainState
	sorted bool
	down   bool
}

func (b *sortBlock) Execute(ctx context.Context, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	if b.kill != nil && b.kill.Killed() {
		return executor.Done, executor.SkipResult{}, nil, errors.ErrKilled
	}
	waiting, err := b.drain(ctx, b.upstream, stack)
	if err != nil {
		return executor.Done, executor.SkipResult{}, nil, err
	}
	if waiting {
		return executor.Waiting, executor.SkipResult{}, nil, nil
	}
	if !b.sorted {
		sortRows(b.rows, b.elements)
		b.sorted = true
	}

	state, skipped, batch, rest := serveRows(b.rows, stack)
	b.rows = rest
	return state, skipped, batch, nil
}

func (b *sortBlock) InitializeCursor() error {
	b.reset()
	b.sorted = false
	return b.upstream.InitializeCursor()
}

func (b *sortBlock) Shutdown(err error) error {
	if b.down {
		return nil
	}
	b.down = true
	return b.upstream.Shutdown(err)
}

// aggregateBlock materializes its input, groups it, and applies the
// aggregate functions per group.
type aggregateBlock struct {
	kill       *types.KillSwitch
	upstream   executor.Block
	groups     []physical.AggregateElement
	aggregates []physical.AggregateElement

	drainState
	grouped bool
	out     []executor.Row
	down    bool
}

func (b *aggregateBlock) Execute(ctx context.Context, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	if b.kill != nil && b.kill.Killed() {
		return executor.Done, executor.SkipResult{}, nil, errors.ErrKilled
	}
	waiting, err := b.drain(ctx, b.upstream, stack)
	if err != nil {
		return executor.Done, executor.SkipResult{}, nil, err
	}
	if waiting {
		return executor.Waiting, executor.SkipResult{}, nil, nil
	}
	if !b.grouped {
		out, err := b.group()
		if err != nil {
			return executor.Done, executor.SkipResult{}, nil, err
		}
		b.out = out
		b.grouped = true
	}

	state, skipped, batch, rest := serveRows(b.out, stack)
	b.out = rest
	return state, skipped, batch, nil
}

func (b *aggregateBlock) group() ([]executor.Row, error) {
	type groupAcc struct {
		row    executor.Row
		count  int64
		sums   []float64
		mins   []any
		maxs   []any
		counts []int64
	}

	groups := make(map[string]*groupAcc)
	var order []string

	for _, row := range b.rows {
		var key strings.Builder
		for _, g := range b.groups {
			fmt.Fprintf(&key, "%v\x00", row[g.In.Name])
		}
		k := key.String()
		acc, ok := groups[k]
		if !ok {
			acc = &groupAcc{
				row:    executor.Row{},
				sums:   make([]float64, len(b.aggregates)),
				mins:   make([]any, len(b.aggregates)),
				maxs:   make([]any, len(b.aggregates)),
				counts: make([]int64, len(b.aggregates)),
			}
			for _, g := range b.groups {
				acc.row[g.Out.Name] = row[g.In.Name]
			}
			groups[k] = acc
			order = append(order, k)
		}
		acc.count++
		for i, agg := range b.aggregates {
			v := row[agg.In.Name]
			if f, ok := toFloat(v); ok {
				acc.sums[i] += f
				acc.counts[i]++
			}
			if acc.mins[i] == nil {
				acc.mins[i], acc.maxs[i] = v, v
				continue
			}
			if cmp, err := compareValues(v, acc.mins[i]); err == nil && cmp < 0 {
				acc.mins[i] = v
			}
			if cmp, err := compareValues(v, acc.maxs[i]); err == nil && cmp > 0 {
				acc.maxs[i] = v
			}
		}
	}

	out := make([]executor.Row, 0, len(order))
	for _, k := range order {
		acc := groups[k]
		for i, agg := range b.aggregates {
			switch strings.ToUpper(agg.Func) {
			case "COUNT", "LENGTH":
				acc.row[agg.Out.Name] = acc.count
			case "SUM":
				acc.row[agg.Out.Name] = acc.sums[i]
			case "AVG":
				if acc.counts[i] > 0 {
					acc.row[agg.Out.Name] = acc.sums[i] / float64(acc.counts[i])
				}
			case "MIN":
				acc.row[agg.Out.Name] = acc.mins[i]
			case "MAX":
				acc.row[agg.Out.Name] = acc.maxs[i]
			default:
				return nil, fmt.Errorf("unsupported aggregate function %q", agg.Func)
			}
		}
		out = append(out, acc.row)
	}
	return out, nil
}

func (b *aggregateBlock) InitializeCursor() error {
	b.reset()
	b.grouped = false
	b.out = nil
	return b.upstream.InitializeCursor()
}

func (b *aggregateBlock) Shutdown(err error) error {
	if b.down {
		return nil
	}
	b.down = true
	return b.upstream.Shutdown(err)
}

// subqueryBlock runs its subplan to completion once per input row and
// binds the collected result list.
type subqueryBlock struct {
	kill     *types.KillSwitch
	upstream executor.Block
	sub      executor.Block
	out      physical.Variable

	buffer       []executor.Row
	upstreamDone bool
	down         bool
}

func (b *subqueryBlock) Execute(ctx context.Context, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	if b.kill != nil && b.kill.Killed() {
		return executor.Done, executor.SkipResult{}, nil, errors.ErrKilled
	}

	for len(b.buffer) == 0 && !b.upstreamDone {
		upStack := stack.Clone()
		upStack.ReplaceTop(executor.DefaultCall())
		state, _, batch, err := b.upstream.Execute(ctx, upStack)
		if err != nil {
			return executor.Done, executor.SkipResult{}, nil, err
		}
		if state == executor.Waiting {
			return executor.Waiting, executor.SkipResult{}, nil, nil
		}
		if batch == nil {
			batch = &executor.ItemBlock{}
		}
		for _, row := range batch.Rows {
			result, err := b.runSub(ctx, stack)
			if err != nil {
				return executor.Done, executor.SkipResult{}, nil, err
			}
			bound := make(executor.Row, len(row)+1)
			for k, v := range row {
				bound[k] = v
			}
			bound[b.out.Name] = result
			b.buffer = append(b.buffer, bound)
		}
		if state == executor.Done {
			b.upstreamDone = true
		}
	}

	state, skipped, batch, rest := serveRows(b.buffer, stack)
	b.buffer = rest
	if state == executor.Done && !b.upstreamDone {
		state = executor.HasMore
	}
	return state, skipped, batch, nil
}

// runSub drains the subplan under a freshly pushed scope.
func (b *subqueryBlock) runSub(ctx context.Context, stack executor.CallStack) ([]any, error) {
	if err := b.sub.InitializeCursor(); err != nil {
		return nil, err
	}
	subStack := stack.Clone()
	subStack.Push(executor.DefaultCall())

	var result []any
	for {
		state, _, batch, err := b.sub.Execute(ctx, subStack)
		if err != nil {
			return nil, err
		}
		if state == executor.Waiting {
			continue
		}
		if batch != nil {
			for _, row := range batch.Rows {
				result = append(result, map[string]any(row))
			}
		}
		if state == executor.Done {
			return result, nil
		}
	}
}

func (b *subqueryBlock) InitializeCursor() error {
	b.buffer = nil
	b.upstreamDone = false
	if err := b.sub.InitializeCursor(); err != nil {
		return err
	}
	return b.upstream.InitializeCursor()
}

func (b *subqueryBlock) Shutdown(err error) error {
	if b.down {
		return nil
	}
	b.down = true
	serr := b.sub.Shutdown(err)
	uerr := b.upstream.Shutdown(err)
	if serr != nil {
		return serr
	}
	return uerr
}

// modificationBlock writes its input rows to one shard and optionally
// emits the written documents.
type modificationBlock struct {
	kill       *types.KillSwitch
	upstream   executor.Block
	store      DocumentStore
	database   string
	collection string
	shard      string
	op         string
	out        physical.Variable

	down bool
}

func (b *modificationBlock) Execute(ctx context.Context, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	if b.kill != nil && b.kill.Killed() {
		return executor.Done, executor.SkipResult{}, nil, errors.ErrKilled
	}

	state, skipped, batch, err := b.upstream.Execute(ctx, stack)
	if err != nil || state == executor.Waiting || batch.Len() == 0 {
		return state, skipped, batch, err
	}
	if err := b.store.Apply(ctx, b.database, b.collection, b.shard, b.op, batch.Rows); err != nil {
		return executor.Done, executor.SkipResult{}, nil, fmt.Errorf("%s on %s/%s: %w", b.op, b.collection, b.shard, err)
	}

	if b.out == (physical.Variable{}) {
		// no OLD/NEW binding requested, swallow the rows
		return state, skipped, nil, nil
	}
	out := &executor.ItemBlock{Rows: make([]executor.Row, 0, batch.Len())}
	for _, row := range batch.Rows {
		out.Rows = append(out.Rows, executor.Row{b.out.Name: map[string]any(row)})
	}
	return state, skipped, out, nil
}

func (b *modificationBlock) InitializeCursor() error { return b.upstream.InitializeCursor() }

func (b *modificationBlock) Shutdown(err error) error {
	if b.down {
		return nil
	}
	b.down = true
	return b.upstream.Shutdown(err)
}
