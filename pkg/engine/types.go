package engine

import (
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/registry"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Aliases of the internal types appearing in the public API.

type (
	QueryID    = types.QueryID
	EngineID   = types.EngineID
	ServerRole = types.ServerRole
	AccessMode = types.AccessMode

	QueryStatus = registry.QueryStatus

	Call       = executor.Call
	CallStack  = executor.CallStack
	ExecState  = executor.ExecState
	Row        = executor.Row
	ItemBlock  = executor.ItemBlock
	SkipResult = executor.SkipResult
)

const (
	RoleSingle      = types.RoleSingle
	RoleCoordinator = types.RoleCoordinator
	RoleDBServer    = types.RoleDBServer

	AccessRead      = types.AccessRead
	AccessWrite     = types.AccessWrite
	AccessExclusive = types.AccessExclusive

	HasMore = executor.HasMore
	Done    = executor.Done
	Waiting = executor.Waiting

	Unlimited = executor.Unlimited
)

// DefaultCall returns a call requesting one default-sized batch.
func DefaultCall() Call { return executor.DefaultCall() }

// NewCallStack builds a call stack, outermost call first.
func NewCallStack(calls ...Call) CallStack { return executor.NewCallStack(calls...) }

// Error kinds callers branch on with errors.Is.
var (
	ErrKilled        = errors.ErrKilled
	ErrShutdown      = errors.ErrShutdown
	ErrQueryNotFound = errors.ErrQueryNotFound
	ErrNotLeader     = errors.ErrNotLeader
	ErrForbidden     = errors.ErrForbidden
)
