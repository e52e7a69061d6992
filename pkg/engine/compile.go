package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// compiler turns a plan fragment into an executable block tree. Nodes
// shared between branches of the DAG compile to one shared block, so a
// fan-out feeding several consumers keeps a single buffer table.
type compiler struct {
	eng      *Engine
	database string
	kill     *types.KillSwitch

	blocks map[physical.NodeID]executor.Block
}

func (c *compiler) compile(p *physical.Plan) (executor.Block, error) {
	root, err := p.Root()
	if err != nil {
		return nil, err
	}
	return c.compileNode(p, root)
}

func (c *compiler) compileNode(p *physical.Plan, n physical.Node) (executor.Block, error) {
	if b, ok := c.blocks[n.ID()]; ok {
		return b, nil
	}
	b, err := c.compileNodeUncached(p, n)
	if err != nil {
		return nil, err
	}
	if c.blocks == nil {
		c.blocks = make(map[physical.NodeID]executor.Block)
	}
	c.blocks[n.ID()] = b
	return b, nil
}

func (c *compiler) compileNodeUncached(p *physical.Plan, n physical.Node) (executor.Block, error) {
	children := p.Children(n)
	single := func() (executor.Block, error) {
		if len(children) != 1 {
			return nil, fmt.Errorf("%w: node %s (%s) needs exactly one dependency, has %d", errors.ErrInternal, n.ID(), n.Kind(), len(children))
		}
		return c.compileNode(p, children[0])
	}

	switch t := n.(type) {
	case *physical.Singleton:
		return executor.NewSourceBlock(c.kill, []executor.Row{{}}), nil

	case *physical.NoResults:
		return executor.NewSourceBlock(c.kill, nil), nil

	case *physical.EnumerateCollection:
		shard := c.eng.shards.String(t.ShardBinding())
		if shard == "" && c.eng.role.IsDBServer() {
			return nil, fmt.Errorf("%w: collection scan of %q without shard binding", errors.ErrInternal, t.Collection())
		}
		return c.scanBlock(t.Collection(), shard, t.Out, nil), nil

	case *physical.IndexScan:
		shard := c.eng.shards.String(t.ShardBinding())
		return c.scanBlock(t.Collection(), shard, t.Out, t.Condition), nil

	case *physical.EnumerateList:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		return &listExpandBlock{kill: c.kill, upstream: upstream, in: t.In, out: t.Out}, nil

	case *physical.Calculation:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		expr, out := t.Expr, t.Out
		return executor.NewMapBlock(c.kill, upstream, func(row executor.Row) (executor.Row, error) {
			v, err := evalExpr(expr, row)
			if err != nil {
				return nil, err
			}
			mapped := make(executor.Row, len(row)+1)
			for k, val := range row {
				mapped[k] = val
			}
			mapped[out.Name] = v
			return mapped, nil
		}), nil

	case *physical.Filter:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		in := t.In
		return executor.NewFilterBlock(c.kill, upstream, func(row executor.Row) bool {
			return truthy(row[in.Name])
		}), nil

	case *physical.Sort:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		return &sortBlock{kill: c.kill, upstream: upstream, elements: t.Elements}, nil

	case *physical.Aggregate:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		return &aggregateBlock{kill: c.kill, upstream: upstream, groups: t.GroupVars, aggregates: t.Aggregates}, nil

	case *physical.Limit:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		return executor.NewLimitBlock(c.kill, upstream, t.Offset, t.Count), nil

	case *physical.Return:
		return single()

	case *physical.Subquery:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		subRoot := p.NodeByID(t.SubqueryRoot)
		if subRoot == nil {
			return nil, fmt.Errorf("%w: subquery %s references missing root %s", errors.ErrInternal, t.ID(), t.SubqueryRoot)
		}
		sub, err := c.compileNode(p, subRoot)
		if err != nil {
			return nil, err
		}
		return &subqueryBlock{kill: c.kill, upstream: upstream, sub: sub, out: t.Out}, nil

	case *physical.Modification:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		return &modificationBlock{
			kill:       c.kill,
			upstream:   upstream,
			store:      c.eng.store,
			database:   c.database,
			collection: t.Collection(),
			shard:      c.eng.shards.String(t.ShardBinding()),
			op:         t.Op.String(),
			out:        t.Out,
		}, nil

	case *physical.Remote:
		return newRemoteBlock(c.kill, c.eng.transport, c.eng.sched, t.Server, t.EngineID, t.DistributeID), nil

	case *physical.Scatter:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		return executor.NewScatterBlock(c.eng.logger, c.kill, upstream, t.Clients), nil

	case *physical.Distribute:
		upstream, err := single()
		if err != nil {
			return nil, err
		}
		route := executor.KeyHashRouter(t.KeyField, t.CreateKeys, c.eng.role)
		return executor.NewDistributeBlock(c.eng.logger, c.kill, upstream, t.Clients, route), nil

	case *physical.Gather:
		blocks := make([]executor.Block, 0, len(children))
		for _, child := range children {
			b, err := c.compileNode(p, child)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		}
		var less executor.Less
		if t.Mode != physical.GatherUnsorted && len(t.Elements) > 0 {
			less = lessFromSortElements(t.Elements)
		}
		return executor.NewGatherBlock(c.kill, blocks, less).WithParallelism(t.Parallelism), nil

	case *physical.DistributeConsumer:
		child, err := single()
		if err != nil {
			return nil, err
		}
		fanout, ok := child.(*executor.BlocksWithClients)
		if !ok {
			return nil, fmt.Errorf("%w: distribute-consumer %s not wired to a blocks-with-clients dependency", errors.ErrInternal, t.ID())
		}
		return fanout.ClientBlock(t.DistributeID), nil
	}

	return nil, fmt.Errorf("%w: cannot compile node kind %s", errors.ErrNotImplemented, n.Kind())
}

// scanBlock lazily loads one shard of a collection on first execution,
// optionally filtering by an index condition.
func (c *compiler) scanBlock(collection, shard string, out physical.Variable, condition physical.Expression) executor.Block {
	load := func(ctx context.Context) ([]executor.Row, error) {
		docs, err := c.eng.store.Scan(ctx, c.database, collection, shard)
		if err != nil {
			return nil, err
		}
		rows := make([]executor.Row, 0, len(docs))
		for _, doc := range docs {
			row := executor.Row{out.Name: map[string]any(doc)}
			if condition != nil {
				match, err := evalExpr(condition, row)
				if err != nil {
					return nil, err
				}
				if !truthy(match) {
					continue
				}
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
	return &lazyScanBlock{kill: c.kill, load: load}
}

func lessFromSortElements(elements []physical.SortElement) executor.Less {
	return func(a, b executor.Row) bool {
		for _, e := range elements {
			cmp, err := compareValues(a[e.Var.Name], b[e.Var.Name])
			if err != nil || cmp == 0 {
				continue
			}
			if e.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	}
}

func sortRows(rows []executor.Row, elements []physical.SortElement) {
	less := lessFromSortElements(elements)
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
}
