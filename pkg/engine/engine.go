// Package engine is the public face of the distributed query execution
// substrate. A coordinator submits a physical plan, the engine optimizes
// it, cuts it into per-server snippets, ships them, and drives the root
// block until the result stream is exhausted. Data servers and peers use
// the same type to host deployed snippets.
package engine

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/user"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/optimizer"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/registry"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/snippets"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Params configure an engine instance.
type Params struct {
	Registry registry.Params `yaml:"registry"`

	// MaxPlans bounds the optimizer fan-out unless a query overrides it.
	MaxPlans int `yaml:"max_plans"`

	// DeployParallelism bounds concurrent snippet shipments per query.
	DeployParallelism int `yaml:"deploy_parallelism"`
}

func (p *Params) RegisterFlags(f *flag.FlagSet) {
	p.RegisterFlagsWithPrefix("engine.", f)
}

func (p *Params) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	p.Registry.RegisterFlagsWithPrefix(prefix+"registry.", f)
	f.IntVar(&p.MaxPlans, prefix+"max-plans", optimizer.DefaultMaxPlans, "Maximum number of alternative plans the optimizer keeps alive.")
	f.IntVar(&p.DeployParallelism, prefix+"deploy-parallelism", 4, "Maximum number of snippets shipped concurrently per query.")
}

func (p *Params) validate() error {
	if p.MaxPlans <= 0 {
		p.MaxPlans = optimizer.DefaultMaxPlans
	}
	if p.DeployParallelism <= 0 {
		p.DeployParallelism = 4
	}
	return nil
}

// Dependencies are the external collaborators an engine needs. All of
// them are required except Scheduler, which defaults to synchronous
// execution.
type Dependencies struct {
	Transactions TransactionManager
	Resolver     ShardResolver
	Transport    Transport
	Scheduler    Scheduler
	Store        DocumentStore
}

func (d *Dependencies) validate() error {
	if d.Transactions == nil || d.Resolver == nil || d.Transport == nil || d.Store == nil {
		return fmt.Errorf("%w: engine requires transactions, resolver, transport, and store", errors.ErrInternal)
	}
	if d.Scheduler == nil {
		d.Scheduler = syncScheduler{}
	}
	return nil
}

// syncScheduler runs continuations inline.
type syncScheduler struct{}

func (syncScheduler) Post(fn func()) { fn() }

// Options are the per-query knobs accepted at submit time.
type Options struct {
	Database string

	// TTL is the idle time-to-live of the query in the registry. Zero
	// selects the role default.
	TTL time.Duration

	// MaxPlans overrides the engine-wide optimizer fan-out bound.
	MaxPlans int

	// Rules holds "+rule"/"-rule"/"+all"/"-all" optimizer selection
	// tokens, applied in order.
	Rules []string

	// InspectSimplePlans forces the full optimization pass even for
	// plans the optimizer would otherwise wave through.
	InspectSimplePlans bool

	Profile optimizer.ProfileLevel
}

// Engine hosts query execution for one server. It is safe for concurrent
// use.
type Engine struct {
	logger log.Logger
	params Params
	role   types.ServerRole
	server string

	registry  *registry.Registry
	txns      TransactionManager
	resolver  ShardResolver
	transport Transport
	sched     Scheduler
	store     DocumentStore

	shards  *types.ShardTable
	codec   *snippets.Codec
	metrics *metrics
	tracer  trace.Tracer
}

// New creates an engine for the given role. server is the name this
// server is known by to the shard resolver and its peers.
func New(logger log.Logger, params Params, role types.ServerRole, server string, deps Dependencies, reg prometheus.Registerer) (*Engine, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r, err := registry.New(log.With(logger, "component", "registry"), params.Registry, role, reg)
	if err != nil {
		return nil, err
	}

	shards := types.NewShardTable()
	return &Engine{
		logger:    logger,
		params:    params,
		role:      role,
		server:    server,
		registry:  r,
		txns:      deps.Transactions,
		resolver:  deps.Resolver,
		transport: deps.Transport,
		sched:     deps.Scheduler,
		store:     deps.Store,
		shards:    shards,
		codec:     snippets.NewCodec(shards),
		metrics:   newMetrics(reg),
		tracer:    otel.Tracer("aqueduct/engine"),
	}, nil
}

// Registry exposes the query registry for status surfaces and tests.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Service returns the background service of the engine: the registry
// expiry sweeper, which also drives the shutdown sequence.
func (e *Engine) Service() services.Service { return e.registry.Service() }

// Profile collects what a single query run cost.
type Profile struct {
	Optimizing time.Duration
	Executing  time.Duration
	Stats      optimizer.Stats
}

// deployedEngine records a snippet shipped to another server, for
// teardown on failure.
type deployedEngine struct {
	server string
	id     types.EngineID
}

// QueryHandle drives one submitted query from the coordinator side.
type QueryHandle struct {
	eng   *Engine
	query *registry.Query
	root  executor.Block

	remotes []deployedEngine
	profile Profile
	done    bool
}

// ID returns the query id.
func (h *QueryHandle) ID() types.QueryID { return h.query.ID }

// Profile returns the timings and optimizer statistics recorded so far.
func (h *QueryHandle) Profile() Profile { return h.profile }

// Warnings returns the warnings accumulated by optimization and
// execution.
func (h *QueryHandle) Warnings() []string { return h.query.Warnings() }

// Submit optimizes a plan, distributes its snippets, and registers the
// query. The returned handle streams results via Poll. The caller's
// identity, if any, travels in ctx and becomes the query owner.
func (e *Engine) Submit(ctx context.Context, seed *physical.Plan, opts Options) (*QueryHandle, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Submit")
	defer span.End()

	e.metrics.submits.Inc()
	if opts.Database == "" {
		e.metrics.submitFailed.Inc()
		return nil, fmt.Errorf("submitting query: %w", errors.ErrDatabaseNotFound)
	}
	owner, _ := user.ExtractOrgID(ctx)

	trx, err := e.txns.Begin(ctx, opts.Database)
	if err != nil {
		e.metrics.submitFailed.Inc()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	q := registry.NewQuery(types.NewQueryID(), opts.Database, owner, trx)
	span.SetAttributes(attribute.Int64("query_id", int64(q.ID)))

	h, err := e.submit(ctx, q, trx, seed, opts)
	if err != nil {
		e.metrics.submitFailed.Inc()
		if h != nil {
			h.teardown(ctx, err)
		}
		if aerr := trx.Abort(ctx); aerr != nil {
			level.Warn(e.logger).Log("msg", "aborting transaction of failed submit", "query", q.ID, "err", aerr)
		}
		return nil, err
	}
	return h, nil
}

func (e *Engine) submit(ctx context.Context, q *registry.Query, trx Transaction, seed *physical.Plan, opts Options) (*QueryHandle, error) {
	if err := e.declareCollections(ctx, trx, opts.Database, seed); err != nil {
		return nil, err
	}

	q.SetState(registry.StateOptimizing)
	started := time.Now()
	opt := optimizer.New(e.logger, opts.Database, catalog{role: e.role, resolver: e.resolver})
	maxPlans := opts.MaxPlans
	if maxPlans <= 0 {
		maxPlans = e.params.MaxPlans
	}
	plans, err := opt.CreatePlans(seed, optimizer.Options{
		MaxPlans:           maxPlans,
		Rules:              opts.Rules,
		InspectSimplePlans: opts.InspectSimplePlans,
		Profile:            opts.Profile,
	}, opts.Profile >= optimizer.ProfileBlocks)
	if err != nil {
		return nil, fmt.Errorf("optimizing plan: %w", err)
	}
	best := plans[0]
	best.Finalize()
	for _, w := range opt.Warnings() {
		q.Warn(w)
	}
	stats := opt.Stats()
	e.metrics.plansCreated.Add(float64(stats.PlansCreated))
	e.metrics.rulesExecuted.Add(float64(stats.RulesExecuted))
	e.metrics.rulesSkipped.Add(float64(stats.RulesSkipped))
	e.metrics.optimizeDuration.Observe(time.Since(started).Seconds())

	h := &QueryHandle{
		eng:   e,
		query: q,
		profile: Profile{
			Optimizing: time.Since(started),
			Stats:      stats,
		},
	}

	fragments, err := snippets.Segments(best)
	if err != nil {
		return h, fmt.Errorf("segmenting plan: %w", err)
	}
	if err := e.distribute(ctx, q, h, fragments); err != nil {
		return h, err
	}

	comp := &compiler{eng: e, database: opts.Database, kill: q.Kill}
	root, err := comp.compile(fragments[0].Plan)
	if err != nil {
		return h, fmt.Errorf("compiling root snippet: %w", err)
	}
	h.root = root
	q.Snippets = append(q.Snippets, &registry.Engine{ID: types.NewEngineID(), Root: root, IsRoot: true})

	q.SetState(registry.StateExecuting)
	if err := e.registry.InsertQuery(ctx, q, opts.TTL); err != nil {
		return h, err
	}
	level.Debug(e.logger).Log("msg", "query submitted", "query", q.ID, "database", q.Database,
		"plans", stats.PlansCreated, "fragments", len(fragments))
	return h, nil
}

// declareCollections announces every accessed collection on the
// transaction, write mode for modifications.
func (e *Engine) declareCollections(_ context.Context, trx Transaction, database string, p *physical.Plan) error {
	declared := make(map[string]types.AccessMode)
	for _, ca := range p.CollectionAccessors() {
		mode := types.AccessRead
		if ca.Kind().IsModification() {
			mode = types.AccessWrite
		}
		if prev, ok := declared[ca.Collection()]; ok && prev >= mode {
			continue
		}
		declared[ca.Collection()] = mode

		cid, err := e.resolver.CollectionID(database, ca.Collection())
		if err != nil {
			return fmt.Errorf("resolving collection %q: %w", ca.Collection(), err)
		}
		if err := trx.AddCollection(cid, ca.Collection(), mode); err != nil {
			return fmt.Errorf("declaring collection %q: %w", ca.Collection(), err)
		}
	}
	return nil
}

// distribute builds and ships every non-root fragment, bottom-up so that
// a consumer's Remote nodes are wired before the consumer itself is
// built. Fragments without any collection access stay on this server.
func (e *Engine) distribute(ctx context.Context, q *registry.Query, h *QueryHandle, fragments []*snippets.Fragment) error {
	builder := snippets.NewBuilder(e.logger, q.Database, e.resolver, e.shards)

	for i := len(fragments) - 1; i >= 1; i-- {
		f := fragments[i]

		collections := make(map[string]struct{})
		for _, ca := range f.Plan.CollectionAccessors() {
			collections[ca.Collection()] = struct{}{}
		}

		if len(collections) == 0 {
			// local fragment, typically the fan-out side of a network
			// boundary
			snip, err := builder.Build(f, e.server)
			if err != nil {
				return fmt.Errorf("building local snippet: %w", err)
			}
			comp := &compiler{eng: e, database: q.Database, kill: q.Kill}
			block, err := comp.compile(snip.Plan)
			if err != nil {
				return fmt.Errorf("compiling local snippet: %w", err)
			}
			q.Snippets = append(q.Snippets, &registry.Engine{ID: snip.EngineID, Root: block})
			if err := wireRemotes(fragments, f, []*snippets.Snippet{snip}); err != nil {
				return err
			}
			continue
		}

		servers := make(map[string]struct{})
		for coll := range collections {
			hosts, err := e.resolver.Servers(q.Database, coll)
			if err != nil {
				return fmt.Errorf("resolving servers of %q: %w", coll, err)
			}
			for _, s := range hosts {
				servers[s] = struct{}{}
			}
		}
		if len(servers) == 0 {
			return fmt.Errorf("%w: no server hosts the shards of fragment %s", errors.ErrNotLeader, f.Root.ID())
		}

		built := make([]*snippets.Snippet, 0, len(servers))
		for server := range servers {
			snip, err := builder.Build(f, server)
			if err != nil {
				return fmt.Errorf("building snippet for %q: %w", server, err)
			}
			built = append(built, snip)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.params.DeployParallelism)
		for _, snip := range built {
			g.Go(func() error {
				payload, err := e.codec.EncodeSnippet(snip, snippets.Flags{FullDetail: true})
				if err != nil {
					return fmt.Errorf("encoding snippet %s: %w", snip.FragmentID, err)
				}
				if err := e.transport.Deploy(gctx, snip.Server, payload); err != nil {
					return fmt.Errorf("deploying snippet %s to %q: %w", snip.FragmentID, snip.Server, err)
				}
				e.metrics.snippetsDeployed.Inc()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, snip := range built {
			h.remotes = append(h.remotes, deployedEngine{server: snip.Server, id: snip.EngineID})
		}
		if err := wireRemotes(fragments, f, built); err != nil {
			return err
		}
	}
	return nil
}

// wireRemotes stamps the consuming fragment's Remote node with the engine
// ids of the built snippets. With more than one target server, the Remote
// is replicated under its parents, one per extra server.
func wireRemotes(fragments []*snippets.Fragment, f *snippets.Fragment, built []*snippets.Snippet) error {
	for _, consumer := range fragments {
		n := consumer.Plan.NodeByID(f.ParentRemote)
		if n == nil {
			continue
		}
		rem, ok := n.(*physical.Remote)
		if !ok {
			return fmt.Errorf("%w: node %s is not a remote boundary", errors.ErrInternal, f.ParentRemote)
		}
		rem.Server = built[0].Server
		rem.EngineID = built[0].EngineID

		parents := consumer.Plan.Parents(rem)
		for _, snip := range built[1:] {
			clone := rem.Clone(false).(*physical.Remote)
			clone.Server = snip.Server
			clone.EngineID = snip.EngineID
			consumer.Plan.AddNode(clone)
			for _, parent := range parents {
				if err := consumer.Plan.AddDependency(parent, clone); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return fmt.Errorf("%w: no fragment owns remote %s", errors.ErrInternal, f.ParentRemote)
}

// Result is one batch of the query's output stream.
type Result struct {
	State   executor.ExecState
	Rows    []executor.Row
	Skipped uint64
}

// Poll drives the root block for one batch. When the stream ends the
// query's transaction is committed and the query leaves the registry; a
// Waiting result means the caller should poll again once the scheduler
// signals readiness.
func (h *QueryHandle) Poll(ctx context.Context, call executor.Call) (*Result, error) {
	ctx, span := h.eng.tracer.Start(ctx, "Engine.Poll", trace.WithAttributes(attribute.Int64("query_id", int64(h.query.ID))))
	defer span.End()

	if h.done {
		return &Result{State: executor.Done}, nil
	}
	started := time.Now()
	defer func() {
		d := time.Since(started)
		h.profile.Executing += d
		h.eng.metrics.pollDuration.Observe(d.Seconds())
	}()

	stack := executor.NewCallStack(call)
	state, skipped, batch, err := h.root.Execute(ctx, stack)
	if err != nil {
		h.teardown(ctx, err)
		return nil, err
	}

	res := &Result{State: state, Skipped: skipped.Top()}
	if batch != nil {
		res.Rows = batch.Rows
	}
	if state == executor.Done {
		h.finish(ctx)
	}
	return res, nil
}

// finish commits and unregisters a completed query.
func (h *QueryHandle) finish(ctx context.Context) {
	h.done = true
	h.query.SetState(registry.StateFinalizing)
	if err := h.root.Shutdown(nil); err != nil {
		level.Warn(h.eng.logger).Log("msg", "shutting down root block", "query", h.query.ID, "err", err)
	}
	h.shutdownRemotes(ctx, nil)
	h.query.SetState(registry.StateDone)
	if err := h.eng.registry.DestroyQuery(ctx, h.query.Database, h.query.ID, nil, false); err != nil {
		level.Warn(h.eng.logger).Log("msg", "destroying finished query", "query", h.query.ID, "err", err)
	}
}

// teardown abandons a failed query. The query stays visible in the
// registry under a tombstone deadline; the sweep aborts its transaction.
func (h *QueryHandle) teardown(ctx context.Context, cause error) {
	if h.done {
		return
	}
	h.done = true
	h.query.Kill.Kill()
	h.query.SetState(registry.StateKilled)
	if h.root != nil {
		if err := h.root.Shutdown(cause); err != nil {
			level.Warn(h.eng.logger).Log("msg", "shutting down root block", "query", h.query.ID, "err", err)
		}
	}
	h.shutdownRemotes(ctx, cause)
	h.eng.registry.MarkTombstone(h.query.Database, h.query.ID)
	level.Debug(h.eng.logger).Log("msg", "query torn down", "query", h.query.ID, "cause", cause)
}

func (h *QueryHandle) shutdownRemotes(ctx context.Context, cause error) {
	for _, remote := range h.remotes {
		if err := h.eng.transport.Shutdown(ctx, remote.server, remote.id, cause); err != nil {
			level.Warn(h.eng.logger).Log("msg", "shutting down remote engine",
				"query", h.query.ID, "server", remote.server, "engine", remote.id, "err", err)
		}
	}
	h.remotes = nil
}

// Cancel kills a running query. Engines currently leased keep running
// until their lessees observe the kill flag; the registry collects the
// query as soon as the last lease returns.
func (e *Engine) Cancel(ctx context.Context, database string, id types.QueryID) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Cancel", trace.WithAttributes(attribute.Int64("query_id", int64(id))))
	defer span.End()
	return e.registry.DestroyQuery(ctx, database, id, errors.ErrKilled, false)
}

// Status lists the queries of a database. With fanout, peers are asked
// too and the answers merged.
func (e *Engine) Status(ctx context.Context, database string, fanout bool) ([]registry.QueryStatus, error) {
	out := e.registry.Status(database)
	if !fanout {
		return out, nil
	}

	peers, err := e.transport.Peers(ctx)
	if err != nil {
		return out, fmt.Errorf("listing peers: %w", err)
	}
	for _, peer := range peers {
		if peer == e.server {
			continue
		}
		remote, err := e.transport.Status(ctx, peer, database)
		if err != nil {
			level.Warn(e.logger).Log("msg", "peer status unavailable", "peer", peer, "err", err)
			continue
		}
		out = append(out, remote...)
	}
	return out, nil
}

// DeploySnippet registers a snippet shipped by a coordinator on this
// server. The snippet runs under a query of its own with the coordinator
// holding its lifetime through the engine lease protocol.
func (e *Engine) DeploySnippet(ctx context.Context, payload []byte) (types.EngineID, error) {
	snip, err := e.codec.DecodeSnippet(payload)
	if err != nil {
		return 0, err
	}
	owner, _ := user.ExtractOrgID(ctx)

	q := registry.NewQuery(types.NewQueryID(), snip.Database, owner, nil)
	comp := &compiler{eng: e, database: snip.Database, kill: q.Kill}
	root, err := comp.compile(snip.Plan)
	if err != nil {
		return 0, fmt.Errorf("compiling snippet %s: %w", snip.FragmentID, err)
	}
	q.Snippets = append(q.Snippets, &registry.Engine{ID: snip.EngineID, Root: root})
	q.SetState(registry.StateExecuting)

	if err := e.registry.InsertQuery(ctx, q, 0); err != nil {
		return 0, err
	}
	level.Debug(e.logger).Log("msg", "snippet deployed", "fragment", snip.FragmentID,
		"engine", snip.EngineID, "database", snip.Database, "shards", len(snip.Shards))
	return snip.EngineID, nil
}

// ExecuteRemote serves one call against a hosted engine on behalf of a
// remote peer. A non-empty clientID addresses one client of a
// blocks-with-clients engine. The engine is leased for the duration of
// the call.
func (e *Engine) ExecuteRemote(ctx context.Context, id types.EngineID, clientID string, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	eng, err := e.registry.OpenEngine(ctx, id)
	if err != nil {
		return executor.Done, executor.SkipResult{}, nil, err
	}
	if eng == nil {
		return executor.Done, executor.SkipResult{}, nil, fmt.Errorf("engine %s: %w", id, errors.ErrQueryNotFound)
	}
	defer func() {
		if cerr := e.registry.CloseEngine(ctx, id); cerr != nil {
			level.Warn(e.logger).Log("msg", "closing engine lease", "engine", id, "err", cerr)
		}
	}()
	e.metrics.remoteExecutes.Inc()

	if clientID != "" {
		fanout, ok := eng.Root.(*executor.BlocksWithClients)
		if !ok {
			return executor.Done, executor.SkipResult{}, nil, fmt.Errorf("%w: engine %s has no clients", errors.ErrInternal, id)
		}
		return fanout.ExecuteForClient(ctx, stack, clientID)
	}
	return eng.Root.Execute(ctx, stack)
}

// ShutdownEngine tears down a hosted engine on request of its
// coordinator.
func (e *Engine) ShutdownEngine(ctx context.Context, id types.EngineID, cause error) error {
	return e.registry.DestroyEngine(ctx, id, cause)
}
