package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/registry"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// InProcessTransport connects engines living in the same process. It
// serves single-server deployments and cluster tests; wire transports
// implement the same interface out of tree.
type InProcessTransport struct {
	mut     sync.RWMutex
	engines map[string]*Engine
}

func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{engines: make(map[string]*Engine)}
}

// Register adds a server to the transport. Engines register themselves
// under the name they were created with.
func (t *InProcessTransport) Register(server string, e *Engine) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.engines[server] = e
}

func (t *InProcessTransport) engine(server string) (*Engine, error) {
	t.mut.RLock()
	defer t.mut.RUnlock()
	e, ok := t.engines[server]
	if !ok {
		return nil, fmt.Errorf("%w: unknown server %q", errors.ErrInternal, server)
	}
	return e, nil
}

func (t *InProcessTransport) Deploy(ctx context.Context, server string, payload []byte) error {
	e, err := t.engine(server)
	if err != nil {
		return err
	}
	_, err = e.DeploySnippet(ctx, payload)
	return err
}

func (t *InProcessTransport) Execute(ctx context.Context, server string, engine types.EngineID, clientID string, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	e, err := t.engine(server)
	if err != nil {
		return executor.Done, executor.SkipResult{}, nil, err
	}
	return e.ExecuteRemote(ctx, engine, clientID, stack)
}

func (t *InProcessTransport) Shutdown(ctx context.Context, server string, engine types.EngineID, cause error) error {
	e, err := t.engine(server)
	if err != nil {
		return err
	}
	return e.ShutdownEngine(ctx, engine, cause)
}

func (t *InProcessTransport) Peers(_ context.Context) ([]string, error) {
	t.mut.RLock()
	defer t.mut.RUnlock()
	peers := make([]string, 0, len(t.engines))
	for name := range t.engines {
		peers = append(peers, name)
	}
	return peers, nil
}

func (t *InProcessTransport) Status(_ context.Context, server, database string) ([]registry.QueryStatus, error) {
	e, err := t.engine(server)
	if err != nil {
		return nil, err
	}
	return e.registry.Status(database), nil
}

// collectionLayout describes one collection of a static cluster layout.
type collectionLayout struct {
	id      uint64
	shards  []string
	servers map[string][]string // server -> shards it hosts
	indexes map[string]string   // field -> index name
}

// StaticResolver is a fixed in-memory cluster layout.
type StaticResolver struct {
	mut         sync.RWMutex
	nextID      uint64
	collections map[string]map[string]*collectionLayout // database -> collection
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{collections: make(map[string]map[string]*collectionLayout)}
}

// AddCollection declares a collection with its shard placement.
func (r *StaticResolver) AddCollection(database, collection string, placement map[string][]string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	dbColls, ok := r.collections[database]
	if !ok {
		dbColls = make(map[string]*collectionLayout)
		r.collections[database] = dbColls
	}
	r.nextID++
	layout := &collectionLayout{
		id:      r.nextID,
		servers: make(map[string][]string, len(placement)),
		indexes: make(map[string]string),
	}
	for server, shards := range placement {
		layout.servers[server] = shards
		layout.shards = append(layout.shards, shards...)
	}
	dbColls[collection] = layout
}

// AddIndex declares an index over a field of a collection.
func (r *StaticResolver) AddIndex(database, collection, field, name string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if layout := r.layout(database, collection); layout != nil {
		layout.indexes[field] = name
	}
}

func (r *StaticResolver) layout(database, collection string) *collectionLayout {
	if dbColls, ok := r.collections[database]; ok {
		return dbColls[collection]
	}
	return nil
}

func (r *StaticResolver) CollectionID(database, collection string) (uint64, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	layout := r.layout(database, collection)
	if layout == nil {
		return 0, fmt.Errorf("%s/%s: %w", database, collection, errors.ErrCollectionNotFound)
	}
	return layout.id, nil
}

func (r *StaticResolver) Shards(database, collection string) ([]string, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	layout := r.layout(database, collection)
	if layout == nil {
		return nil, fmt.Errorf("%s/%s: %w", database, collection, errors.ErrCollectionNotFound)
	}
	return layout.shards, nil
}

func (r *StaticResolver) ShardsOnServer(database, collection, server string) ([]string, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	layout := r.layout(database, collection)
	if layout == nil {
		return nil, fmt.Errorf("%s/%s: %w", database, collection, errors.ErrCollectionNotFound)
	}
	return layout.servers[server], nil
}

func (r *StaticResolver) Servers(database, collection string) ([]string, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	layout := r.layout(database, collection)
	if layout == nil {
		return nil, fmt.Errorf("%s/%s: %w", database, collection, errors.ErrCollectionNotFound)
	}
	servers := make([]string, 0, len(layout.servers))
	for server := range layout.servers {
		servers = append(servers, server)
	}
	return servers, nil
}

func (r *StaticResolver) Index(database, collection, field string) (string, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	layout := r.layout(database, collection)
	if layout == nil {
		return "", false
	}
	name, ok := layout.indexes[field]
	return name, ok
}

// MemoryStore is an in-memory document store keyed by shard.
type MemoryStore struct {
	mut  sync.RWMutex
	docs map[string][]executor.Row // database/collection/shard -> rows
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]executor.Row)}
}

func storeKey(database, collection, shard string) string {
	return database + "/" + collection + "/" + shard
}

// Load seeds a shard with documents.
func (s *MemoryStore) Load(database, collection, shard string, docs []executor.Row) {
	s.mut.Lock()
	defer s.mut.Unlock()
	key := storeKey(database, collection, shard)
	s.docs[key] = append(s.docs[key], docs...)
}

func (s *MemoryStore) Scan(_ context.Context, database, collection, shard string) ([]executor.Row, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	rows := s.docs[storeKey(database, collection, shard)]
	out := make([]executor.Row, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, database, collection, shard, op string, rows []executor.Row) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	key := storeKey(database, collection, shard)

	switch op {
	case "Insert", "Upsert":
		s.docs[key] = append(s.docs[key], rows...)
		return nil
	case "Remove":
		for _, row := range rows {
			s.docs[key] = deleteByKey(s.docs[key], docKey(row))
		}
		return nil
	case "Update", "Replace":
		for _, row := range rows {
			s.docs[key] = deleteByKey(s.docs[key], docKey(row))
			s.docs[key] = append(s.docs[key], row)
		}
		return nil
	}
	return fmt.Errorf("%w: store operation %q", errors.ErrNotImplemented, op)
}

func docKey(row executor.Row) string {
	for _, v := range row {
		if doc, ok := v.(map[string]any); ok {
			if key, ok := doc["_key"].(string); ok {
				return key
			}
		}
	}
	if key, ok := row["_key"].(string); ok {
		return key
	}
	return ""
}

func deleteByKey(rows []executor.Row, key string) []executor.Row {
	if key == "" {
		return rows
	}
	out := rows[:0]
	for _, row := range rows {
		if docKey(row) != key {
			out = append(out, row)
		}
	}
	return out
}

// MemoryTransactions hands out transactions that only record their
// outcome. Single-server deployments have no cross-server coordination to
// do; the record keeps the registry's commit-on-success, abort-on-failure
// contract observable.
type MemoryTransactions struct {
	mut    sync.Mutex
	nextID uint64

	Committed []uint64
	Aborted   []uint64
}

func NewMemoryTransactions() *MemoryTransactions {
	return &MemoryTransactions{}
}

func (m *MemoryTransactions) Begin(_ context.Context, database string) (Transaction, error) {
	if database == "" {
		return nil, errors.ErrDatabaseNotFound
	}
	m.mut.Lock()
	defer m.mut.Unlock()
	m.nextID++
	return &memoryTransaction{mgr: m, id: m.nextID}, nil
}

type memoryTransaction struct {
	mgr  *MemoryTransactions
	id   uint64
	done bool
}

func (t *memoryTransaction) Commit(context.Context) error {
	t.mgr.mut.Lock()
	defer t.mgr.mut.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction %d already finished", errors.ErrInternal, t.id)
	}
	t.done = true
	t.mgr.Committed = append(t.mgr.Committed, t.id)
	return nil
}

func (t *memoryTransaction) Abort(context.Context) error {
	t.mgr.mut.Lock()
	defer t.mgr.mut.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.mgr.Aborted = append(t.mgr.Aborted, t.id)
	return nil
}

func (t *memoryTransaction) AddCollection(uint64, string, types.AccessMode) error { return nil }
