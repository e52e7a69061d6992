package registry

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// QueryState tracks where a query is in its lifecycle.
type QueryState int32

const (
	StateInitialization QueryState = iota
	StateParsing
	StateOptimizing
	StateExecuting
	StateFinalizing
	StateDone
	StateKilled
)

func (s QueryState) String() string {
	switch s {
	case StateInitialization:
		return "initialization"
	case StateParsing:
		return "parsing"
	case StateOptimizing:
		return "optimizing"
	case StateExecuting:
		return "executing"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateKilled:
		return "killed"
	}
	return "unknown"
}

// Transaction is the handle the registry commits or aborts when a query is
// destroyed. Provided by the transaction manager.
type Transaction interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Engine is one per-server executable fragment of a query.
type Engine struct {
	ID   types.EngineID
	Root executor.Block

	// IsRoot marks the coordinator-side root snippet, which is driven
	// directly by the query and never leased through the registry.
	IsRoot bool
}

// Query is the registry's view of an in-flight query.
type Query struct {
	ID        types.QueryID
	Database  string
	User      string
	Kill      *types.KillSwitch
	Trx       Transaction
	StartedAt time.Time
	Snippets  []*Engine

	state    atomic.Int32
	warnings warningList
}

// NewQuery assembles a query record. The kill switch is created here and
// shared with every block built for the query.
func NewQuery(id types.QueryID, database, user string, trx Transaction) *Query {
	return &Query{
		ID:        id,
		Database:  database,
		User:      user,
		Kill:      &types.KillSwitch{},
		Trx:       trx,
		StartedAt: time.Now(),
	}
}

// State returns the query's lifecycle state.
func (q *Query) State() QueryState { return QueryState(q.state.Load()) }

// SetState advances the lifecycle state.
func (q *Query) SetState(s QueryState) { q.state.Store(int32(s)) }

// Warn appends a warning surfaced to the client with the final result.
func (q *Query) Warn(msg string) { q.warnings.add(msg) }

// Warnings returns the accumulated warnings.
func (q *Query) Warnings() []string { return q.warnings.all() }

// RunTime returns how long the query has been alive.
func (q *Query) RunTime() time.Duration { return time.Since(q.StartedAt) }
