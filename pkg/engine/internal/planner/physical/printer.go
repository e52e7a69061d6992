package physical

import (
	"fmt"
	"strings"
)

// PrintAsTree renders the plan as an indented tree for logging and tests.
func PrintAsTree(p *Plan) string {
	var sb strings.Builder
	for i, root := range p.Roots() {
		if i > 0 {
			sb.WriteByte('\n')
		}
		printNode(&sb, p, root, 0, make(map[NodeID]struct{}))
	}
	return sb.String()
}

func printNode(sb *strings.Builder, p *Plan, n Node, depth int, seen map[NodeID]struct{}) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(describe(n))
	sb.WriteByte('\n')

	if _, ok := seen[n.ID()]; ok {
		return
	}
	seen[n.ID()] = struct{}{}

	for _, child := range p.Children(n) {
		printNode(sb, p, child, depth+1, seen)
	}
}

func describe(n Node) string {
	switch n := n.(type) {
	case *EnumerateCollection:
		return fmt.Sprintf("%s #%s collection=%s shard=%d", n.Kind(), n.ID(), n.Collection(), n.ShardBinding())
	case *IndexScan:
		return fmt.Sprintf("%s #%s collection=%s index=%s shard=%d", n.Kind(), n.ID(), n.Collection(), n.Index, n.ShardBinding())
	case *Calculation:
		return fmt.Sprintf("%s #%s expr=%s out=%s", n.Kind(), n.ID(), n.Expr, n.Out.Name)
	case *Filter:
		return fmt.Sprintf("%s #%s in=%s", n.Kind(), n.ID(), n.In.Name)
	case *Limit:
		return fmt.Sprintf("%s #%s offset=%d count=%d", n.Kind(), n.ID(), n.Offset, n.Count)
	case *Remote:
		return fmt.Sprintf("%s #%s server=%s engine=%s", n.Kind(), n.ID(), n.Server, n.EngineID)
	case *Scatter:
		return fmt.Sprintf("%s #%s clients=%v", n.Kind(), n.ID(), n.Clients)
	case *Distribute:
		return fmt.Sprintf("%s #%s collection=%s clients=%v key=%s", n.Kind(), n.ID(), n.Collection(), n.Clients, n.KeyField)
	case *Gather:
		return fmt.Sprintf("%s #%s mode=%d parallelism=%d", n.Kind(), n.ID(), n.Mode, n.Parallelism)
	case *Modification:
		return fmt.Sprintf("%s #%s collection=%s shard=%d", n.Kind(), n.ID(), n.Collection(), n.ShardBinding())
	default:
		return fmt.Sprintf("%s #%s", n.Kind(), n.ID())
	}
}
