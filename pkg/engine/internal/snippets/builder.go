// Package snippets materializes per-server plan fragments: it cuts an
// optimized plan at its network boundaries and expands each fragment once
// per local shard, wiring internal gather/scatter nodes around the clones.
package snippets

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Resolver answers which shards of a collection a given server hosts.
type Resolver interface {
	ShardsOnServer(database, collection, server string) ([]string, error)
}

// Fragment is one segment of a plan between network boundaries. A
// fragment's Remote leaves mark where rows arrive from another segment.
type Fragment struct {
	Plan *physical.Plan
	Root physical.Node

	// ParentRemote is the Remote node of the consuming segment that
	// pulls from this fragment; zero for the root segment.
	ParentRemote physical.NodeID
}

// Snippet is a materialized fragment ready for registration and shipping.
type Snippet struct {
	FragmentID string
	EngineID   types.EngineID
	Server     string
	Database   string
	Plan       *physical.Plan

	// Aliases maps each cloned node id back to its source node id, for
	// diagnostics only.
	Aliases map[physical.NodeID]physical.NodeID

	// Shards are the local shards this snippet covers, one per clone.
	Shards []string
}

// Builder expands fragments for one target server set.
type Builder struct {
	logger   log.Logger
	database string
	resolver Resolver
	shards   *types.ShardTable
}

// NewBuilder creates a snippet builder for a database.
func NewBuilder(logger log.Logger, database string, resolver Resolver, shards *types.ShardTable) *Builder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{logger: logger, database: database, resolver: resolver, shards: shards}
}

// Segments cuts a plan at its Remote nodes. The first returned fragment is
// the root segment; every Remote's dependency subtree becomes a fragment
// of its own. Remote nodes stay with the segment consuming through them,
// and traversal does not descend past them.
func Segments(p *physical.Plan) ([]*Fragment, error) {
	root, err := p.Root()
	if err != nil {
		return nil, err
	}

	var fragments []*Fragment
	fragments = append(fragments, &Fragment{Root: root})

	var build func(f *Fragment) error
	build = func(f *Fragment) error {
		f.Plan = physical.NewPlan()
		seen := make(map[physical.NodeID]struct{})

		var walk func(n physical.Node) error
		walk = func(n physical.Node) error {
			if _, ok := seen[n.ID()]; ok {
				return nil
			}
			seen[n.ID()] = struct{}{}
			f.Plan.AddNode(n)

			if n.Kind() == physical.NodeKindRemote {
				// children of a Remote form a separate segment
				for _, child := range p.Children(n) {
					fragments = append(fragments, &Fragment{Root: child, ParentRemote: n.ID()})
				}
				return nil
			}
			for _, child := range p.Children(n) {
				if err := walk(child); err != nil {
					return err
				}
				if err := f.Plan.AddDependency(n, child); err != nil {
					return err
				}
			}
			return nil
		}
		return walk(f.Root)
	}

	// fragments grows while we iterate; new segments are discovered as
	// their consuming segment is walked
	for i := 0; i < len(fragments); i++ {
		if err := build(fragments[i]); err != nil {
			return nil, err
		}
	}
	return fragments, nil
}

// Build materializes a fragment for one server. Every expansion (a node
// accessing a sharded collection) must have at least one shard on the
// server; otherwise the server hosts no snippet for this query and Build
// fails with NotLeader. When any expansion has multiple local shards the
// fragment is cloned once per shard, the clones feeding an internal gather
// and, when the fragment's input crosses the network, reading from an
// internal scatter through per-clone distribute-consumers. Key-routed
// input keeps one Remote per clone instead.
func (b *Builder) Build(f *Fragment, server string) (*Snippet, error) {
	expansions := f.Plan.CollectionAccessors()

	shardSets := make(map[string][]string, len(expansions))
	clones := 1
	var coverage []string
	for _, exp := range expansions {
		coll := exp.Collection()
		if _, ok := shardSets[coll]; ok {
			continue
		}
		local, err := b.resolver.ShardsOnServer(b.database, coll, server)
		if err != nil {
			return nil, fmt.Errorf("resolving shards of %q on %q: %w", coll, server, err)
		}
		if len(local) == 0 {
			return nil, fmt.Errorf("server %q hosts no shard of collection %q: %w", server, coll, errors.ErrNotLeader)
		}
		shardSets[coll] = local
		if len(local) > clones {
			clones = len(local)
			coverage = local
		}
	}

	snippet := &Snippet{
		FragmentID: ulid.Make().String(),
		EngineID:   types.NewEngineID(),
		Server:     server,
		Database:   b.database,
		Aliases:    make(map[physical.NodeID]physical.NodeID),
		Shards:     coverage,
	}

	if clones == 1 {
		// single copy, no internal gather; cloned so that shard bindings
		// of different servers never share nodes
		var single []string
		for _, local := range shardSets {
			single = local
			break
		}
		out := physical.NewPlan()
		mapped := make(map[physical.NodeID]physical.Node, f.Plan.Len())
		for _, src := range f.Plan.Graph().Nodes() {
			clone := src.Clone(false)
			out.AddNode(clone)
			mapped[src.ID()] = clone
			snippet.Aliases[clone.ID()] = src.ID()
			if ca, ok := clone.(physical.CollectionAccess); ok {
				local := shardSets[ca.Collection()]
				ca.BindShard(b.shards.Intern(local[0]))
				snippet.Shards = local
			}
			if rem, ok := clone.(*physical.Remote); ok && rem.DistributeID == "" && len(single) > 0 {
				rem.DistributeID = single[0]
			}
		}
		for _, src := range f.Plan.Graph().Nodes() {
			for _, child := range f.Plan.Children(src) {
				if err := out.AddDependency(mapped[src.ID()], mapped[child.ID()]); err != nil {
					return nil, err
				}
			}
		}
		snippet.Plan = out
		return snippet, nil
	}

	out := physical.NewPlan()
	gather := &physical.Gather{Mode: physical.GatherUnsorted, Parallelism: uint32(clones)}
	out.AddNode(gather)

	// a fragment whose leaves include a Remote receives rows over the
	// network
	var boundary *physical.Remote
	for _, n := range f.Plan.Graph().Leaves() {
		if rem, ok := n.(*physical.Remote); ok {
			boundary = rem
			break
		}
	}

	keyed := false
	for _, n := range f.Plan.Graph().Nodes() {
		if n.Kind().IsModification() {
			keyed = true
			break
		}
	}

	// Scatter-fed input is pulled over one shared Remote and re-fanned
	// out locally: an internal scatter feeds one distribute-consumer per
	// clone. Key-routed input keeps one Remote per clone, since the
	// upstream fan-out already assembled a per-shard stream.
	var scatter *physical.Scatter
	if boundary != nil && !keyed {
		shared := boundary.Clone(false).(*physical.Remote)
		if shared.DistributeID == "" {
			shared.DistributeID = coverage[0]
		}
		out.AddNode(shared)
		snippet.Aliases[shared.ID()] = boundary.ID()

		scatter = &physical.Scatter{Clients: coverage}
		out.AddNode(scatter)
		snippet.Aliases[scatter.ID()] = boundary.ID()
		if err := out.AddDependency(scatter, shared); err != nil {
			return nil, err
		}
	}

	for i := 0; i < clones; i++ {
		mapped := make(map[physical.NodeID]physical.Node, f.Plan.Len())
		for _, src := range f.Plan.Graph().Nodes() {
			var clone physical.Node
			switch {
			case scatter != nil && src.ID() == boundary.ID():
				clone = &physical.DistributeConsumer{DistributeID: coverage[i%len(coverage)]}
			default:
				clone = src.Clone(false)
				if boundary != nil && src.ID() == boundary.ID() {
					clone.(*physical.Remote).DistributeID = coverage[i%len(coverage)]
				}
			}
			out.AddNode(clone)
			mapped[src.ID()] = clone
			snippet.Aliases[clone.ID()] = src.ID()

			if ca, ok := clone.(physical.CollectionAccess); ok {
				local := shardSets[ca.Collection()]
				ca.BindShard(b.shards.Intern(local[i%len(local)]))
			}
		}
		for _, src := range f.Plan.Graph().Nodes() {
			for _, child := range f.Plan.Children(src) {
				if err := out.AddDependency(mapped[src.ID()], mapped[child.ID()]); err != nil {
					return nil, err
				}
			}
		}
		if scatter != nil {
			if err := out.AddDependency(mapped[boundary.ID()], scatter); err != nil {
				return nil, err
			}
		}

		if err := out.AddDependency(gather, mapped[f.Root.ID()]); err != nil {
			return nil, err
		}
	}

	snippet.Plan = out
	level.Debug(b.logger).Log(
		"msg", "expanded snippet",
		"fragment", snippet.FragmentID,
		"server", server,
		"clones", clones,
		"nodes", out.Len(),
	)
	return snippet, nil
}
