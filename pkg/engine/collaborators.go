package engine

import (
	"context"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/registry"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Transaction is the per-query transaction handle obtained from the
// transaction manager. The registry commits or aborts it when the query is
// destroyed.
type Transaction interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error

	// AddCollection declares a collection the query touches, with the
	// access mode it needs.
	AddCollection(cid uint64, name string, mode types.AccessMode) error
}

// TransactionManager hands out transaction handles.
type TransactionManager interface {
	Begin(ctx context.Context, database string) (Transaction, error)
}

// ShardResolver maps collections to ids, shards, and hosting servers. The
// engine only depends on the mapping being stable for the duration of a
// query.
type ShardResolver interface {
	CollectionID(database, collection string) (uint64, error)
	Shards(database, collection string) ([]string, error)
	ShardsOnServer(database, collection, server string) ([]string, error)
	Servers(database, collection string) ([]string, error)
	Index(database, collection, field string) (string, bool)
}

// Transport ships snippets and call-stacks between servers. Timeouts are
// the transport's responsibility; the engine retries transient failures
// with bounded backoff and surfaces everything else.
type Transport interface {
	// Deploy ships an encoded snippet to a server, which registers it
	// under its engine id.
	Deploy(ctx context.Context, server string, payload []byte) error

	// Execute runs one call against a remote engine. A non-empty
	// clientID addresses one client of a blocks-with-clients engine.
	Execute(ctx context.Context, server string, engine types.EngineID, clientID string, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error)

	// Shutdown tears a remote engine down.
	Shutdown(ctx context.Context, server string, engine types.EngineID, cause error) error

	// Peers lists the cluster peers for status fan-out.
	Peers(ctx context.Context) ([]string, error)

	// Status fetches the registry status of one peer.
	Status(ctx context.Context, server, database string) ([]registry.QueryStatus, error)
}

// Scheduler runs continuations posted when a Waiting block becomes ready.
// Delivery is at most once per posted continuation.
type Scheduler interface {
	Post(fn func())
}

// DocumentStore is the storage engine boundary: shard-local reads and
// writes.
type DocumentStore interface {
	// Scan returns the documents of one shard of a collection.
	Scan(ctx context.Context, database, collection, shard string) ([]executor.Row, error)

	// Apply writes a batch of rows to one shard. op is a modification
	// node kind name (Insert, Update, Remove, Replace, Upsert).
	Apply(ctx context.Context, database, collection, shard, op string, rows []executor.Row) error
}

// catalog adapts the shard resolver to the optimizer's view of the
// cluster.
type catalog struct {
	role     types.ServerRole
	resolver ShardResolver
}

func (c catalog) ServerRole() types.ServerRole { return c.role }

func (c catalog) Shards(database, collection string) ([]string, error) {
	return c.resolver.Shards(database, collection)
}

func (c catalog) Index(database, collection, field string) (string, bool) {
	return c.resolver.Index(database, collection, field)
}
