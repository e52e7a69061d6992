// Package executor implements the pull-based block executor: every block
// answers bounded row requests carried on a call-stack, and the
// blocks-with-clients variants demultiplex one upstream stream into
// per-shard client streams.
package executor

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// DefaultBatchSize bounds how many rows a block produces per call when the
// caller does not ask for less.
const DefaultBatchSize = 1000

// ExecState discriminates the outcome of a block execution.
type ExecState uint8

const (
	// HasMore means the block may produce further rows for this
	// call-stack shape. The returned batch may be nil when every row was
	// consumed by skip.
	HasMore ExecState = iota

	// Done means no further rows will ever be produced for this
	// call-stack shape.
	Done

	// Waiting means the block suspended on an external waiter. The
	// caller must re-invoke with an unmodified call-stack once the
	// waiter fires.
	Waiting
)

func (s ExecState) String() string {
	switch s {
	case HasMore:
		return "hasMore"
	case Done:
		return "done"
	case Waiting:
		return "waiting"
	}
	return "invalid"
}

// Row is one unit of data flowing between blocks.
type Row map[string]any

// ItemBlock is an ordered batch of rows produced by one block execution.
type ItemBlock struct {
	Rows []Row
}

func (b *ItemBlock) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Block is the uniform execution contract. Execute returns rows or skip
// counts bounded by the topmost call of the stack.
type Block interface {
	// Execute runs the block once against the given call-stack. On
	// Waiting both the skip result and the batch are empty. Skip counts
	// accumulate across re-invocations at the same scope.
	Execute(ctx context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error)

	// InitializeCursor resets the block so the next Execute starts from
	// the beginning of its input.
	InitializeCursor() error

	// Shutdown releases the block's resources. Idempotent.
	Shutdown(err error) error
}

// blockBase carries the state every block shares: the owning query's kill
// flag and the one-shot shutdown latch. The latch is atomic because
// shutdown may race with a concurrent client pull.
type blockBase struct {
	kill        *types.KillSwitch
	wasShutdown atomic.Bool
}

// checkKill fails fast when the owning query has been killed. Called at
// every call boundary.
func (b *blockBase) checkKill() error {
	if b.kill != nil && b.kill.Killed() {
		return errors.ErrKilled
	}
	return nil
}

func (b *blockBase) shutdownOnce() bool {
	return b.wasShutdown.CompareAndSwap(false, true)
}

// requireRelevant guards against callers that dropped the stack's topmost
// call.
func requireRelevant(stack CallStack) error {
	if !stack.IsRelevant() {
		return fmt.Errorf("%w: empty call-stack", errors.ErrInternal)
	}
	return nil
}
