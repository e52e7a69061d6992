// Package registry implements the process-wide table of in-flight queries
// and their per-server engine snippets: lease/return semantics on engines,
// TTL-based expiry, and the disallow-inserts/destroy-all shutdown barrier.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/user"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Superuser may open and destroy queries it does not own.
const Superuser = "root"

// queryInfo is the registry's bookkeeping around one query.
type queryInfo struct {
	query *Query
	ttl   time.Duration

	// expires is a unix-nano deadline. Zero means collect at the next
	// sweep; once zero it is never refreshed.
	expires    atomic.Int64
	numOpen    atomic.Int32
	numEngines atomic.Int32
}

// engineInfo is the registry's bookkeeping around one engine snippet.
// query is nil for standalone coordinator-registered snippets.
type engineInfo struct {
	mut    sync.Mutex
	engine *Engine
	query  *queryInfo
	open   bool
}

type bucket struct {
	mut     sync.Mutex
	queries map[string]map[types.QueryID]*queryInfo
}

// Registry is the process-wide table of queries and engines. The top-level
// lock guards the shutdown flag and the engine map; each bucket carries
// its own mutex and is always locked after the top-level lock.
type Registry struct {
	logger  log.Logger
	params  Params
	role    types.ServerRole
	metrics *metrics

	mut             sync.RWMutex
	disallowInserts bool
	engines         map[types.EngineID]*engineInfo

	buckets []*bucket
}

// New creates a registry for the given server role.
func New(logger log.Logger, params Params, role types.ServerRole, reg prometheus.Registerer) (*Registry, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid registry params: %w", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	buckets := make([]*bucket, params.NumBuckets)
	for i := range buckets {
		buckets[i] = &bucket{queries: make(map[string]map[types.QueryID]*queryInfo)}
	}
	return &Registry{
		logger:  logger,
		params:  params,
		role:    role,
		metrics: newMetrics(reg),
		engines: make(map[types.EngineID]*engineInfo),
		buckets: buckets,
	}, nil
}

// Service returns the periodic expiry sweeper. Stopping the service runs
// the shutdown sequence: no new inserts, then destroy everything.
func (r *Registry) Service() services.Service {
	iter := func(ctx context.Context) error {
		r.ExpireQueries(ctx)
		return nil
	}
	stop := func(_ error) error {
		r.DisallowInserts()
		r.DestroyAll(context.Background())
		return nil
	}
	return services.NewTimerService(r.params.SweepInterval, nil, iter, stop)
}

func (r *Registry) bucketFor(database string) *bucket {
	return r.buckets[xxhash.Sum64String(database)%uint64(len(r.buckets))]
}

// authorized checks that the caller identity attached to ctx may act on a
// query owned by owner. Calls without identity are internal and pass.
func authorized(ctx context.Context, owner string) error {
	if owner == "" {
		return nil
	}
	caller, err := user.ExtractOrgID(ctx)
	if err != nil || caller == "" {
		return nil
	}
	if caller == owner || caller == Superuser {
		return nil
	}
	return fmt.Errorf("%w: query owned by another user", errors.ErrForbidden)
}

// InsertQuery registers a query and all of its non-root snippets. Engine
// insertions roll back if any id collides, so a failed insert leaves no
// trace. ttl <= 0 selects the role default.
func (r *Registry) InsertQuery(_ context.Context, q *Query, ttl time.Duration) error {
	if q.State() == StateInitialization {
		return fmt.Errorf("%w: query %s inserted while still initializing", errors.ErrInternal, q.ID)
	}
	if q.Database == "" {
		return fmt.Errorf("%w: query %s has no database", errors.ErrDatabaseNotFound, q.ID)
	}
	if ttl <= 0 {
		ttl = r.params.TTLForRole(r.role)
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	if r.disallowInserts {
		return fmt.Errorf("registering query %s: %w", q.ID, errors.ErrShutdown)
	}

	qi := &queryInfo{query: q, ttl: ttl}
	qi.expires.Store(time.Now().Add(ttl).UnixNano())

	var inserted []types.EngineID
	rollback := func() {
		for _, id := range inserted {
			delete(r.engines, id)
		}
	}
	for _, snippet := range q.Snippets {
		if snippet.IsRoot {
			continue
		}
		if _, ok := r.engines[snippet.ID]; ok {
			rollback()
			return fmt.Errorf("engine %s: %w", snippet.ID, errors.ErrDuplicate)
		}
		r.engines[snippet.ID] = &engineInfo{engine: snippet, query: qi}
		inserted = append(inserted, snippet.ID)
	}
	qi.numEngines.Store(int32(len(inserted)))

	b := r.bucketFor(q.Database)
	b.mut.Lock()
	defer b.mut.Unlock()
	dbQueries, ok := b.queries[q.Database]
	if !ok {
		dbQueries = make(map[types.QueryID]*queryInfo)
		b.queries[q.Database] = dbQueries
	}
	if _, ok := dbQueries[q.ID]; ok {
		rollback()
		return fmt.Errorf("query %s: %w", q.ID, errors.ErrDuplicate)
	}
	dbQueries[q.ID] = qi

	r.metrics.queriesRegistered.Inc()
	r.metrics.queriesActive.Inc()
	r.metrics.enginesActive.Add(float64(len(inserted)))
	level.Debug(r.logger).Log("msg", "registered query", "query", q.ID, "database", q.Database, "engines", len(inserted), "ttl", ttl)
	return nil
}

// OpenEngine leases an engine. At most one lessee holds an engine open at
// any instant; a second open fails with AlreadyOpen. Opening refreshes the
// owning query's expiry. Returns (nil, nil) when the engine is unknown.
func (r *Registry) OpenEngine(ctx context.Context, id types.EngineID) (*Engine, error) {
	r.mut.RLock()
	ei := r.engines[id]
	r.mut.RUnlock()
	if ei == nil {
		return nil, nil
	}
	if ei.query != nil {
		if err := authorized(ctx, ei.query.query.User); err != nil {
			return nil, err
		}
	}

	ei.mut.Lock()
	defer ei.mut.Unlock()
	if ei.open {
		return nil, fmt.Errorf("engine %s: %w", id, errors.ErrAlreadyOpen)
	}
	ei.open = true
	if ei.query != nil {
		ei.query.numOpen.Inc()
		r.refreshExpiry(ei.query)
	}
	r.metrics.engineOpens.Inc()
	return ei.engine, nil
}

// CloseEngine returns a leased engine and refreshes the owning query's
// expiry.
func (r *Registry) CloseEngine(_ context.Context, id types.EngineID) error {
	r.mut.RLock()
	ei := r.engines[id]
	r.mut.RUnlock()
	if ei == nil {
		return fmt.Errorf("engine %s: %w", id, errors.ErrQueryNotFound)
	}

	ei.mut.Lock()
	defer ei.mut.Unlock()
	if !ei.open {
		return fmt.Errorf("engine %s: %w", id, errors.ErrNotOpen)
	}
	ei.open = false
	if ei.query != nil {
		if ei.query.numOpen.Dec() < 0 {
			return fmt.Errorf("%w: engine %s closed with negative open count", errors.ErrInternal, id)
		}
		r.refreshExpiry(ei.query)
	}
	return nil
}

// refreshExpiry moves the query's deadline strictly forward. A deadline
// forced to zero (soft-abort) is never resurrected.
func (r *Registry) refreshExpiry(qi *queryInfo) {
	for {
		cur := qi.expires.Load()
		if cur == 0 {
			return
		}
		next := time.Now().Add(qi.ttl).UnixNano()
		if next <= cur {
			next = cur + 1
		}
		if qi.expires.CompareAndSwap(cur, next) {
			return
		}
	}
}

// DestroyQuery removes a query and all of its engines, then commits (cause
// == nil) or aborts the underlying transaction outside the locks. When the
// query still has open engines and ignoreOpened is false, the query is
// soft-aborted instead: killed, expiry forced to zero, destruction
// deferred to the sweep after the last lessee returns.
func (r *Registry) DestroyQuery(ctx context.Context, database string, id types.QueryID, cause error, ignoreOpened bool) error {
	b := r.bucketFor(database)

	b.mut.Lock()
	qi := b.queries[database][id]
	if qi == nil {
		b.mut.Unlock()
		return fmt.Errorf("query %s in database %q: %w", id, database, errors.ErrQueryNotFound)
	}
	if err := authorized(ctx, qi.query.User); err != nil {
		b.mut.Unlock()
		return err
	}

	if qi.numOpen.Load() > 0 && !ignoreOpened {
		qi.query.Kill.Kill()
		qi.query.SetState(StateKilled)
		qi.expires.Store(0)
		b.mut.Unlock()
		r.metrics.queriesDestroyed.WithLabelValues("soft-abort").Inc()
		level.Debug(r.logger).Log("msg", "soft-aborted query with open engines", "query", id, "open", qi.numOpen.Load())
		return nil
	}

	if cause != nil {
		qi.query.Kill.Kill()
		qi.query.SetState(StateKilled)
	}
	delete(b.queries[database], id)
	if len(b.queries[database]) == 0 {
		delete(b.queries, database)
	}
	b.mut.Unlock()

	removed := 0
	r.mut.Lock()
	for _, snippet := range qi.query.Snippets {
		if _, ok := r.engines[snippet.ID]; ok {
			delete(r.engines, snippet.ID)
			removed++
		}
	}
	r.mut.Unlock()

	r.metrics.queriesActive.Dec()
	r.metrics.enginesActive.Sub(float64(removed))
	reason := "destroyed"
	if cause != nil {
		reason = "aborted"
	}
	r.metrics.queriesDestroyed.WithLabelValues(reason).Inc()

	r.finishTransaction(ctx, qi.query, cause)
	return nil
}

// finishTransaction commits or aborts outside any registry lock. Commit
// failures are logged; the query is destroyed either way.
func (r *Registry) finishTransaction(ctx context.Context, q *Query, cause error) {
	if q.Trx == nil {
		return
	}
	if cause == nil {
		if err := q.Trx.Commit(ctx); err != nil {
			level.Warn(r.logger).Log("msg", "commit failed for destroyed query", "query", q.ID, "err", err)
		}
		return
	}
	if err := q.Trx.Abort(ctx); err != nil {
		level.Debug(r.logger).Log("msg", "abort failed for destroyed query", "query", q.ID, "err", err)
	}
}

// DestroyEngine removes one engine. When the owning query's engine count
// reaches zero the query is destroyed as well. Used by legacy shutdown
// paths; regular teardown goes through DestroyQuery.
func (r *Registry) DestroyEngine(ctx context.Context, id types.EngineID, cause error) error {
	r.mut.Lock()
	ei := r.engines[id]
	if ei == nil {
		r.mut.Unlock()
		return fmt.Errorf("engine %s: %w", id, errors.ErrQueryNotFound)
	}
	ei.mut.Lock()
	if ei.open {
		ei.mut.Unlock()
		r.mut.Unlock()
		return fmt.Errorf("engine %s destroyed while open: %w", id, errors.ErrInternal)
	}
	ei.mut.Unlock()
	delete(r.engines, id)
	r.mut.Unlock()
	r.metrics.enginesActive.Dec()

	if ei.query == nil {
		return nil
	}
	if ei.query.numEngines.Dec() > 0 {
		return nil
	}
	return r.DestroyQuery(ctx, ei.query.query.Database, ei.query.query.ID, cause, true)
}

// ExpireQueries collects queries whose deadline has passed and whose
// engines are all returned, then destroys them outside the locks. Queries
// soft-aborted while open stay until their last lessee returns.
func (r *Registry) ExpireQueries(ctx context.Context) {
	now := time.Now().UnixNano()
	type target struct {
		database string
		id       types.QueryID
	}
	var expired []target

	for _, b := range r.buckets {
		b.mut.Lock()
		for database, dbQueries := range b.queries {
			for id, qi := range dbQueries {
				if qi.numOpen.Load() == 0 && qi.expires.Load() < now {
					expired = append(expired, target{database: database, id: id})
				}
			}
		}
		b.mut.Unlock()
	}

	for _, t := range expired {
		if err := r.DestroyQuery(ctx, t.database, t.id, errors.ErrKilled, false); err != nil {
			level.Warn(r.logger).Log("msg", "failed to destroy expired query", "query", t.id, "err", err)
			continue
		}
		r.metrics.expiredQueries.Inc()
		level.Debug(r.logger).Log("msg", "collected expired query", "query", t.id, "database", t.database)
	}
}

// Destroy marks every query of a database for expiry, kills those with
// open engines, and triggers a sweep.
func (r *Registry) Destroy(ctx context.Context, database string) {
	b := r.bucketFor(database)
	b.mut.Lock()
	for _, qi := range b.queries[database] {
		qi.expires.Store(0)
		if qi.numOpen.Load() > 0 {
			qi.query.Kill.Kill()
			qi.query.SetState(StateKilled)
		}
	}
	b.mut.Unlock()
	r.ExpireQueries(ctx)
}

// DestroyAll is the shutdown path: every query is destroyed regardless of
// open engines. Any residue is logged.
func (r *Registry) DestroyAll(ctx context.Context) {
	type target struct {
		database string
		id       types.QueryID
	}
	var all []target
	for _, b := range r.buckets {
		b.mut.Lock()
		for database, dbQueries := range b.queries {
			for id := range dbQueries {
				all = append(all, target{database: database, id: id})
			}
		}
		b.mut.Unlock()
	}

	for _, t := range all {
		if err := r.DestroyQuery(ctx, t.database, t.id, errors.ErrShutdown, true); err != nil {
			level.Warn(r.logger).Log("msg", "failed to destroy query at shutdown", "query", t.id, "err", err)
		}
	}

	if n := r.NumQueries(); n > 0 {
		level.Warn(r.logger).Log("msg", "queries still registered after shutdown", "count", n)
	}
}

// DisallowInserts is the shutdown barrier: after it returns no new queries
// or engines are accepted.
func (r *Registry) DisallowInserts() {
	r.mut.Lock()
	r.disallowInserts = true
	r.mut.Unlock()
}

// RegisterEngines registers standalone coordinator-side snippets that have
// no owning query in this registry. Rolls back on id collision.
func (r *Registry) RegisterEngines(engines []*Engine) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.disallowInserts {
		return fmt.Errorf("registering engines: %w", errors.ErrShutdown)
	}
	var inserted []types.EngineID
	for _, e := range engines {
		if _, ok := r.engines[e.ID]; ok {
			for _, id := range inserted {
				delete(r.engines, id)
			}
			return fmt.Errorf("engine %s: %w", e.ID, errors.ErrDuplicate)
		}
		r.engines[e.ID] = &engineInfo{engine: e}
		inserted = append(inserted, e.ID)
	}
	r.metrics.enginesActive.Add(float64(len(inserted)))
	return nil
}

// UnregisterEngines removes standalone snippets.
func (r *Registry) UnregisterEngines(ids []types.EngineID) {
	r.mut.Lock()
	defer r.mut.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := r.engines[id]; ok {
			delete(r.engines, id)
			removed++
		}
	}
	r.metrics.enginesActive.Sub(float64(removed))
}

// MarkTombstone caps a finished query's remaining lifetime at the
// tombstone TTL so its results stay briefly available for pickup.
func (r *Registry) MarkTombstone(database string, id types.QueryID) {
	b := r.bucketFor(database)
	b.mut.Lock()
	defer b.mut.Unlock()
	qi := b.queries[database][id]
	if qi == nil {
		return
	}
	deadline := time.Now().Add(r.params.TombstoneTTL).UnixNano()
	if cur := qi.expires.Load(); cur == 0 || cur < deadline {
		return
	}
	qi.expires.Store(deadline)
}

// QueryStatus is one row of the registry status endpoint.
type QueryStatus struct {
	ID          types.QueryID `json:"id"`
	Database    string        `json:"database"`
	User        string        `json:"user,omitempty"`
	State       string        `json:"state"`
	StartedAt   time.Time     `json:"startedAt"`
	RunTime     time.Duration `json:"runTime"`
	OpenEngines int           `json:"openEngines"`
	Engines     int           `json:"engines"`
}

// Status lists the live queries of a database.
func (r *Registry) Status(database string) []QueryStatus {
	b := r.bucketFor(database)
	b.mut.Lock()
	defer b.mut.Unlock()

	out := make([]QueryStatus, 0, len(b.queries[database]))
	for id, qi := range b.queries[database] {
		out = append(out, QueryStatus{
			ID:          id,
			Database:    database,
			User:        qi.query.User,
			State:       qi.query.State().String(),
			StartedAt:   qi.query.StartedAt,
			RunTime:     qi.query.RunTime(),
			OpenEngines: int(qi.numOpen.Load()),
			Engines:     int(qi.numEngines.Load()),
		})
	}
	return out
}

// NumQueries returns how many queries are registered across all buckets.
func (r *Registry) NumQueries() int {
	n := 0
	for _, b := range r.buckets {
		b.mut.Lock()
		for _, dbQueries := range b.queries {
			n += len(dbQueries)
		}
		b.mut.Unlock()
	}
	return n
}

// NumEngines returns how many engines are registered.
func (r *Registry) NumEngines() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.engines)
}

// HasEngine reports whether the engine id is registered.
func (r *Registry) HasEngine(id types.EngineID) bool {
	r.mut.RLock()
	defer r.mut.RUnlock()
	_, ok := r.engines[id]
	return ok
}
