package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grafana/dskit/user"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/errors"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

type testTrx struct {
	committed atomic.Int32
	aborted   atomic.Int32
}

func (t *testTrx) Commit(context.Context) error { t.committed.Inc(); return nil }
func (t *testTrx) Abort(context.Context) error  { t.aborted.Inc(); return nil }

func newTestRegistry(t *testing.T, role types.ServerRole) *Registry {
	t.Helper()
	r, err := New(nil, Params{
		NumBuckets:    4,
		SweepInterval: time.Second,
		DefaultTTL:    time.Minute,
		DBServerTTL:   30 * time.Second,
		TombstoneTTL:  5 * time.Second,
	}, role, nil)
	require.NoError(t, err)
	return r
}

func newTestQuery(id types.QueryID, database, owner string, trx Transaction, engines ...types.EngineID) *Query {
	q := NewQuery(id, database, owner, trx)
	q.Snippets = append(q.Snippets, &Engine{ID: types.EngineID(id), IsRoot: true})
	for _, eid := range engines {
		q.Snippets = append(q.Snippets, &Engine{ID: eid})
	}
	q.SetState(StateExecuting)
	return q
}

func TestRegistry_InsertOpenDestroy(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleSingle)

	trx := &testTrx{}
	q := newTestQuery(1001, "shop", "", trx, 2001, 2002)
	require.NoError(t, r.InsertQuery(ctx, q, time.Minute))

	require.Equal(t, 1, r.NumQueries())
	require.Equal(t, 2, r.NumEngines())
	require.True(t, r.HasEngine(2001))
	require.False(t, r.HasEngine(1001)) // root snippets are never leased

	eng, err := r.OpenEngine(ctx, 2001)
	require.NoError(t, err)
	require.NotNil(t, eng)
	require.Equal(t, types.EngineID(2001), eng.ID)
	require.NoError(t, r.CloseEngine(ctx, 2001))

	require.NoError(t, r.DestroyQuery(ctx, "shop", 1001, nil, false))
	require.Equal(t, 0, r.NumQueries())
	require.Equal(t, 0, r.NumEngines())
	require.Equal(t, int32(1), trx.committed.Load())
	require.Equal(t, int32(0), trx.aborted.Load())
}

func TestRegistry_InsertValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleSingle)

	t.Run("still initializing", func(t *testing.T) {
		q := NewQuery(1, "shop", "", nil)
		require.ErrorIs(t, r.InsertQuery(ctx, q, 0), errors.ErrInternal)
	})

	t.Run("missing database", func(t *testing.T) {
		q := newTestQuery(2, "", "", nil)
		require.ErrorIs(t, r.InsertQuery(ctx, q, 0), errors.ErrDatabaseNotFound)
	})

	t.Run("duplicate query id rolls engines back", func(t *testing.T) {
		require.NoError(t, r.InsertQuery(ctx, newTestQuery(3, "shop", "", nil, 31), 0))

		dup := newTestQuery(3, "shop", "", nil, 32)
		require.ErrorIs(t, r.InsertQuery(ctx, dup, 0), errors.ErrDuplicate)
		require.False(t, r.HasEngine(32))
		require.True(t, r.HasEngine(31))
	})

	t.Run("duplicate engine id rolls engines back", func(t *testing.T) {
		require.NoError(t, r.InsertQuery(ctx, newTestQuery(4, "shop", "", nil, 41), 0))

		dup := newTestQuery(5, "shop", "", nil, 51, 41)
		require.ErrorIs(t, r.InsertQuery(ctx, dup, 0), errors.ErrDuplicate)
		require.False(t, r.HasEngine(51))
	})
}

func TestRegistry_EngineLease(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleDBServer)
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(10, "shop", "", nil, 100), 0))

	t.Run("unknown engine", func(t *testing.T) {
		eng, err := r.OpenEngine(ctx, 999)
		require.NoError(t, err)
		require.Nil(t, eng)
	})

	t.Run("at most one lessee", func(t *testing.T) {
		eng, err := r.OpenEngine(ctx, 100)
		require.NoError(t, err)
		require.NotNil(t, eng)

		_, err = r.OpenEngine(ctx, 100)
		require.ErrorIs(t, err, errors.ErrAlreadyOpen)

		require.NoError(t, r.CloseEngine(ctx, 100))
		eng, err = r.OpenEngine(ctx, 100)
		require.NoError(t, err)
		require.NotNil(t, eng)
		require.NoError(t, r.CloseEngine(ctx, 100))
	})

	t.Run("close protocol", func(t *testing.T) {
		require.ErrorIs(t, r.CloseEngine(ctx, 999), errors.ErrQueryNotFound)
		require.ErrorIs(t, r.CloseEngine(ctx, 100), errors.ErrNotOpen)
	})

	t.Run("concurrent opens yield one lease", func(t *testing.T) {
		var wg sync.WaitGroup
		var leased atomic.Int32
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				eng, err := r.OpenEngine(ctx, 100)
				if err == nil && eng != nil {
					leased.Inc()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), leased.Load())
		require.NoError(t, r.CloseEngine(ctx, 100))
	})
}

func TestRegistry_SoftAbort(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleDBServer)

	trx := &testTrx{}
	q := newTestQuery(20, "shop", "", trx, 200)
	require.NoError(t, r.InsertQuery(ctx, q, time.Hour))

	eng, err := r.OpenEngine(ctx, 200)
	require.NoError(t, err)
	require.NotNil(t, eng)

	// destroy while leased: killed and deferred, not removed
	require.NoError(t, r.DestroyQuery(ctx, "shop", 20, errors.ErrKilled, false))
	require.Equal(t, 1, r.NumQueries())
	require.True(t, q.Kill.Killed())
	require.Equal(t, StateKilled, q.State())
	require.Equal(t, int32(0), trx.aborted.Load())

	// the sweep skips it while the lease is out
	r.ExpireQueries(ctx)
	require.Equal(t, 1, r.NumQueries())

	// returning the lease does not resurrect the deadline
	require.NoError(t, r.CloseEngine(ctx, 200))
	r.ExpireQueries(ctx)
	require.Equal(t, 0, r.NumQueries())
	require.Equal(t, 0, r.NumEngines())
	require.Equal(t, int32(1), trx.aborted.Load())
	require.Equal(t, int32(0), trx.committed.Load())
}

func TestRegistry_RefreshExpiry(t *testing.T) {
	r := newTestRegistry(t, types.RoleSingle)

	t.Run("moves strictly forward", func(t *testing.T) {
		qi := &queryInfo{ttl: time.Hour}
		qi.expires.Store(time.Now().Add(2 * time.Hour).UnixNano())
		before := qi.expires.Load()

		r.refreshExpiry(qi)
		require.Equal(t, before+1, qi.expires.Load())
	})

	t.Run("zero is never resurrected", func(t *testing.T) {
		qi := &queryInfo{ttl: time.Hour}
		r.refreshExpiry(qi)
		require.Equal(t, int64(0), qi.expires.Load())
	})
}

func TestRegistry_ExpireQueries(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleSingle)

	trx := &testTrx{}
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(30, "shop", "", trx, 300), time.Nanosecond))
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(31, "shop", "", nil, 310), time.Hour))

	time.Sleep(5 * time.Millisecond)
	r.ExpireQueries(ctx)

	require.Equal(t, 1, r.NumQueries())
	require.False(t, r.HasEngine(300))
	require.True(t, r.HasEngine(310))
	require.Equal(t, int32(1), trx.aborted.Load())
}

func TestRegistry_Shutdown(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleSingle)

	trx := &testTrx{}
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(40, "shop", "", trx, 400), 0))

	eng, err := r.OpenEngine(ctx, 400)
	require.NoError(t, err)
	require.NotNil(t, eng)

	r.DisallowInserts()
	require.ErrorIs(t, r.InsertQuery(ctx, newTestQuery(41, "shop", "", nil), 0), errors.ErrShutdown)
	require.ErrorIs(t, r.RegisterEngines([]*Engine{{ID: 410}}), errors.ErrShutdown)

	// shutdown destroys even leased queries
	r.DestroyAll(ctx)
	require.Equal(t, 0, r.NumQueries())
	require.Equal(t, int32(1), trx.aborted.Load())
}

func TestRegistry_DestroyEngine(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleDBServer)

	trx := &testTrx{}
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(50, "shop", "", trx, 500, 501), 0))

	t.Run("open engines cannot be destroyed", func(t *testing.T) {
		eng, err := r.OpenEngine(ctx, 500)
		require.NoError(t, err)
		require.NotNil(t, eng)
		require.ErrorIs(t, r.DestroyEngine(ctx, 500, nil), errors.ErrInternal)
		require.NoError(t, r.CloseEngine(ctx, 500))
	})

	t.Run("last engine takes the query down", func(t *testing.T) {
		require.NoError(t, r.DestroyEngine(ctx, 500, nil))
		require.Equal(t, 1, r.NumQueries())

		require.NoError(t, r.DestroyEngine(ctx, 501, nil))
		require.Equal(t, 0, r.NumQueries())
		require.Equal(t, int32(1), trx.committed.Load())
	})

	t.Run("unknown engine", func(t *testing.T) {
		require.ErrorIs(t, r.DestroyEngine(ctx, 999, nil), errors.ErrQueryNotFound)
	})
}

func TestRegistry_StandaloneEngines(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleCoordinator)

	require.NoError(t, r.RegisterEngines([]*Engine{{ID: 600}, {ID: 601}}))
	require.Equal(t, 2, r.NumEngines())

	t.Run("collision rolls back", func(t *testing.T) {
		require.ErrorIs(t, r.RegisterEngines([]*Engine{{ID: 602}, {ID: 600}}), errors.ErrDuplicate)
		require.False(t, r.HasEngine(602))
	})

	t.Run("leasable without an owning query", func(t *testing.T) {
		eng, err := r.OpenEngine(ctx, 600)
		require.NoError(t, err)
		require.NotNil(t, eng)
		require.NoError(t, r.CloseEngine(ctx, 600))
	})

	r.UnregisterEngines([]types.EngineID{600, 601})
	require.Equal(t, 0, r.NumEngines())
}

func TestRegistry_MarkTombstone(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleSingle)
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(70, "shop", "", nil, 700), time.Hour))

	b := r.bucketFor("shop")
	qi := b.queries["shop"][70]
	far := qi.expires.Load()

	r.MarkTombstone("shop", 70)
	capped := qi.expires.Load()
	require.Less(t, capped, far)
	require.LessOrEqual(t, capped, time.Now().Add(r.params.TombstoneTTL).UnixNano())

	// a second mark never extends the deadline
	r.MarkTombstone("shop", 70)
	require.LessOrEqual(t, qi.expires.Load(), capped+int64(time.Second))

	// soft-aborted queries stay at zero
	qi.expires.Store(0)
	r.MarkTombstone("shop", 70)
	require.Equal(t, int64(0), qi.expires.Load())

	r.MarkTombstone("shop", 9999) // unknown id: no-op
}

func TestRegistry_Authorization(t *testing.T) {
	r := newTestRegistry(t, types.RoleCoordinator)
	q := newTestQuery(80, "shop", "bob", nil, 800)
	require.NoError(t, r.InsertQuery(context.Background(), q, 0))

	t.Run("owner", func(t *testing.T) {
		ctx := user.InjectOrgID(context.Background(), "bob")
		eng, err := r.OpenEngine(ctx, 800)
		require.NoError(t, err)
		require.NotNil(t, eng)
		require.NoError(t, r.CloseEngine(ctx, 800))
	})

	t.Run("other user", func(t *testing.T) {
		ctx := user.InjectOrgID(context.Background(), "alice")
		_, err := r.OpenEngine(ctx, 800)
		require.ErrorIs(t, err, errors.ErrForbidden)
		require.ErrorIs(t, r.DestroyQuery(ctx, "shop", 80, nil, false), errors.ErrForbidden)
	})

	t.Run("superuser", func(t *testing.T) {
		ctx := user.InjectOrgID(context.Background(), Superuser)
		eng, err := r.OpenEngine(ctx, 800)
		require.NoError(t, err)
		require.NotNil(t, eng)
		require.NoError(t, r.CloseEngine(ctx, 800))
	})

	t.Run("internal caller", func(t *testing.T) {
		require.NoError(t, r.DestroyQuery(context.Background(), "shop", 80, nil, false))
	})
}

func TestRegistry_Status(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleSingle)
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(90, "shop", "carol", nil, 900, 901), 0))

	eng, err := r.OpenEngine(ctx, 900)
	require.NoError(t, err)
	require.NotNil(t, eng)

	status := r.Status("shop")
	require.Len(t, status, 1)
	require.Equal(t, types.QueryID(90), status[0].ID)
	require.Equal(t, "shop", status[0].Database)
	require.Equal(t, "carol", status[0].User)
	require.Equal(t, "executing", status[0].State)
	require.Equal(t, 1, status[0].OpenEngines)
	require.Equal(t, 2, status[0].Engines)

	require.Empty(t, r.Status("other"))
	require.NoError(t, r.CloseEngine(ctx, 900))
}

func TestRegistry_DestroyDatabase(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, types.RoleSingle)

	require.NoError(t, r.InsertQuery(ctx, newTestQuery(95, "shop", "", nil, 950), time.Hour))
	require.NoError(t, r.InsertQuery(ctx, newTestQuery(96, "blog", "", nil, 960), time.Hour))

	r.Destroy(ctx, "shop")
	require.Equal(t, 1, r.NumQueries())
	require.False(t, r.HasEngine(950))
	require.True(t, r.HasEngine(960))
}
