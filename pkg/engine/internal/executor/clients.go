package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Router assigns an input row to one client index. It must be
// deterministic and side-effect-free, except that it may set a synthesized
// shard key on the row.
type Router func(row Row, clients int) (int, error)

// KeyHashRouter routes by hashing the named shard-key field. When the key
// is absent, the router synthesizes one if createKeys is set; data servers
// are forbidden from minting keys regardless.
func KeyHashRouter(keyField string, createKeys bool, role types.ServerRole) Router {
	return func(row Row, clients int) (int, error) {
		v, ok := row[keyField]
		if !ok || v == nil || v == "" {
			if !createKeys || role.IsDBServer() {
				return 0, fmt.Errorf("%w: row is missing shard key %q", errors.ErrForbidden, keyField)
			}
			key := ulid.Make().String()
			row[keyField] = key
			v = key
		}
		return int(xxhash.Sum64String(fmt.Sprintf("%v", v)) % uint64(clients)), nil
	}
}

// BlocksWithClients demultiplexes one upstream stream into per-client
// streams. With a nil router every row goes to every client (scatter);
// with a router every row goes to exactly one client (distribute).
//
// Per-client reads and the shared upstream pull are guarded by one
// read/write lock over the buffer table. Direct Execute without a client
// id is disallowed.
type BlocksWithClients struct {
	blockBase
	logger   log.Logger
	upstream Block

	clients     []string
	clientIndex map[string]int
	route       Router

	mut          sync.RWMutex
	buffers      [][]Row
	upstreamDone bool
}

// NewScatterBlock creates the variant that copies every row to every
// client.
func NewScatterBlock(logger log.Logger, kill *types.KillSwitch, upstream Block, clients []string) *BlocksWithClients {
	return newBlocksWithClients(logger, kill, upstream, clients, nil)
}

// NewDistributeBlock creates the variant that routes every row to exactly
// one client.
func NewDistributeBlock(logger log.Logger, kill *types.KillSwitch, upstream Block, clients []string, route Router) *BlocksWithClients {
	return newBlocksWithClients(logger, kill, upstream, clients, route)
}

func newBlocksWithClients(logger log.Logger, kill *types.KillSwitch, upstream Block, clients []string, route Router) *BlocksWithClients {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	index := make(map[string]int, len(clients))
	for i, c := range clients {
		index[c] = i
	}
	return &BlocksWithClients{
		blockBase:   blockBase{kill: kill},
		logger:      logger,
		upstream:    upstream,
		clients:     clients,
		clientIndex: index,
		route:       route,
		buffers:     make([][]Row, len(clients)),
	}
}

// GetClientID translates an external shard identifier to a 0-based client
// index.
func (b *BlocksWithClients) GetClientID(shard string) (int, error) {
	if shard == "" {
		return 0, fmt.Errorf("%w: empty client id", errors.ErrInternal)
	}
	idx, ok := b.clientIndex[shard]
	if !ok {
		return 0, fmt.Errorf("%w: unknown client id %q", errors.ErrInternal, shard)
	}
	return idx, nil
}

// Execute without a client id is disallowed; all access goes through
// ExecuteForClient.
func (b *BlocksWithClients) Execute(context.Context, CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	return Done, SkipResult{}, nil, fmt.Errorf("%w: BlocksWithClients must be executed per client", errors.ErrNotImplemented)
}

// ExecuteForClient answers the call for one client. If the client's buffer
// cannot satisfy the call, a batch is pulled from upstream and distributed
// across all client buffers, then the buffer is consulted again. Skip is
// satisfied locally from the buffer; the upstream pull never carries a
// skip.
func (b *BlocksWithClients) ExecuteForClient(ctx context.Context, stack CallStack, clientID string) (ExecState, SkipResult, *ItemBlock, error) {
	if err := b.checkKill(); err != nil {
		return Done, SkipResult{}, nil, err
	}
	if err := requireRelevant(stack); err != nil {
		return Done, SkipResult{}, nil, err
	}
	idx, err := b.GetClientID(clientID)
	if err != nil {
		return Done, SkipResult{}, nil, err
	}

	call := stack.Peek()
	for {
		b.mut.RLock()
		ready := uint64(len(b.buffers[idx])) > call.Offset || b.upstreamDone
		b.mut.RUnlock()
		if ready {
			break
		}
		waiting, err := b.fetchMore(ctx, stack, idx, call)
		if err != nil {
			return Done, SkipResult{}, nil, err
		}
		if waiting {
			return Waiting, SkipResult{}, nil, nil
		}
	}

	b.mut.Lock()
	defer b.mut.Unlock()

	skipped := NewSkipResult(stack.Depth())
	buf := b.buffers[idx]

	drop := min(call.Offset, uint64(len(buf)))
	if drop > 0 {
		buf = buf[drop:]
		skipped.Add(drop)
	}

	var batch *ItemBlock
	take := min(call.Limit(), uint64(len(buf)))
	if take > 0 {
		batch = &ItemBlock{Rows: buf[:take]}
		buf = buf[take:]
	}
	b.buffers[idx] = buf

	state := HasMore
	if len(buf) == 0 && b.upstreamDone {
		state = Done
	}
	return state, skipped, batch, nil
}

// fetchMore pulls one batch from upstream under the exclusive lock and
// distributes it. Returns waiting=true when upstream suspended.
func (b *BlocksWithClients) fetchMore(ctx context.Context, stack CallStack, idx int, call Call) (bool, error) {
	b.mut.Lock()
	defer b.mut.Unlock()

	// another client's pull may have filled the buffer meanwhile
	if uint64(len(b.buffers[idx])) > call.Offset || b.upstreamDone {
		return false, nil
	}

	upStack := stack.Clone()
	upStack.ReplaceTop(DefaultCall())
	state, upSkipped, batch, err := b.upstream.Execute(ctx, upStack)
	if err != nil {
		return false, err
	}
	if state == Waiting {
		return true, nil
	}
	if !upSkipped.NothingSkipped() {
		return false, fmt.Errorf("%w: upstream skipped rows on a skip-free call", errors.ErrInternal)
	}

	if batch.Len() > 0 {
		if err := b.distribute(batch); err != nil {
			return false, err
		}
	}
	if state == Done {
		b.upstreamDone = true
	}
	level.Debug(b.logger).Log("msg", "distributed upstream batch", "rows", batch.Len(), "upstream", state)
	return false, nil
}

// distribute appends the batch to the client buffers. Caller holds the
// exclusive lock.
func (b *BlocksWithClients) distribute(batch *ItemBlock) error {
	if b.route == nil {
		for i := range b.buffers {
			b.buffers[i] = append(b.buffers[i], batch.Rows...)
		}
		return nil
	}
	for _, row := range batch.Rows {
		idx, err := b.route(row, len(b.clients))
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(b.buffers) {
			return fmt.Errorf("%w: router produced client index %d out of %d", errors.ErrInternal, idx, len(b.clients))
		}
		b.buffers[idx] = append(b.buffers[idx], row)
	}
	return nil
}

// ClientBlock adapts one client of the fan-out to the plain Block
// interface, for wiring into a downstream pipeline.
func (b *BlocksWithClients) ClientBlock(clientID string) Block {
	return &clientBlock{parent: b, clientID: clientID}
}

type clientBlock struct {
	parent   *BlocksWithClients
	clientID string
}

func (c *clientBlock) Execute(ctx context.Context, stack CallStack) (ExecState, SkipResult, *ItemBlock, error) {
	return c.parent.ExecuteForClient(ctx, stack, c.clientID)
}

func (c *clientBlock) InitializeCursor() error { return nil }

func (c *clientBlock) Shutdown(err error) error { return c.parent.Shutdown(err) }

// InitializeCursor clears every client buffer and resets the upstream.
func (b *BlocksWithClients) InitializeCursor() error {
	b.mut.Lock()
	for i := range b.buffers {
		b.buffers[i] = nil
	}
	b.upstreamDone = false
	b.mut.Unlock()
	return b.upstream.InitializeCursor()
}

// Shutdown shuts the whole block down once; later calls return
// immediately.
func (b *BlocksWithClients) Shutdown(err error) error {
	if !b.shutdownOnce() {
		return nil
	}
	return b.upstream.Shutdown(err)
}
