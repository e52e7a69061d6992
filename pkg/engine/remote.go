package engine

import (
	"context"
	goerrors "errors"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

var remoteBackoff = backoff.Config{
	MinBackoff: 50 * time.Millisecond,
	MaxBackoff: 2 * time.Second,
	MaxRetries: 5,
}

// remoteBlock pulls rows from an engine on another server. Lock timeouts
// are retried with bounded backoff; a NotLeader reported mid-stream is
// surfaced as is, forcing the client to re-plan. When the remote side
// suspends, a prefetch continuation is posted to the scheduler so the
// result is ready by the caller's next invocation.
type remoteBlock struct {
	kill      *types.KillSwitch
	transport Transport
	sched     Scheduler
	server    string
	engine    types.EngineID
	clientID  string

	mut      sync.Mutex
	prefetch *remoteResult
	down     bool
}

type remoteResult struct {
	state   executor.ExecState
	skipped executor.SkipResult
	batch   *executor.ItemBlock
	err     error
}

func newRemoteBlock(kill *types.KillSwitch, transport Transport, sched Scheduler, server string, engine types.EngineID, clientID string) *remoteBlock {
	return &remoteBlock{
		kill:      kill,
		transport: transport,
		sched:     sched,
		server:    server,
		engine:    engine,
		clientID:  clientID,
	}
}

func (b *remoteBlock) Execute(ctx context.Context, stack executor.CallStack) (executor.ExecState, executor.SkipResult, *executor.ItemBlock, error) {
	if b.kill != nil && b.kill.Killed() {
		return executor.Done, executor.SkipResult{}, nil, errors.ErrKilled
	}

	b.mut.Lock()
	if r := b.prefetch; r != nil {
		b.prefetch = nil
		b.mut.Unlock()
		return r.state, r.skipped, r.batch, r.err
	}
	b.mut.Unlock()

	r := b.call(ctx, stack)
	if r.state == executor.Waiting && r.err == nil && b.sched != nil {
		// re-invocation is imminent; have the result ready for it
		prefetchStack := stack.Clone()
		b.sched.Post(func() {
			res := b.call(context.Background(), prefetchStack)
			b.mut.Lock()
			b.prefetch = &res
			b.mut.Unlock()
		})
	}
	return r.state, r.skipped, r.batch, r.err
}

func (b *remoteBlock) call(ctx context.Context, stack executor.CallStack) remoteResult {
	var r remoteResult
	bo := backoff.New(ctx, remoteBackoff)
	for bo.Ongoing() {
		r.state, r.skipped, r.batch, r.err = b.transport.Execute(ctx, b.server, b.engine, b.clientID, stack)
		if r.err == nil || !retryable(r.err) {
			return r
		}
		bo.Wait()
	}
	if r.err == nil {
		r.err = bo.Err()
	}
	return r
}

func retryable(err error) bool {
	return goerrors.Is(err, errors.ErrLockTimeout)
}

func (b *remoteBlock) InitializeCursor() error {
	b.mut.Lock()
	b.prefetch = nil
	b.mut.Unlock()
	return nil
}

func (b *remoteBlock) Shutdown(cause error) error {
	b.mut.Lock()
	if b.down {
		b.mut.Unlock()
		return nil
	}
	b.down = true
	b.mut.Unlock()
	return b.transport.Shutdown(context.Background(), b.server, b.engine, cause)
}
