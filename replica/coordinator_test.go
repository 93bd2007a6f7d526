package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinxiao27/treesync/eg"
	"github.com/kevinxiao27/treesync/ol"
	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/tree"
	"github.com/kevinxiao27/treesync/workspace"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newCoordinator(t *testing.T, backend store.Store, clientID uint32, deps Deps) *Coordinator {
	t.Helper()
	if deps.Objects == nil {
		deps.Objects = backend
	}
	if deps.Branches == nil {
		deps.Branches = backend
	}
	deps.Logger = quietLogger
	c, err := New(context.Background(), Config{
		Branch:     "main",
		ClientID:   clientID,
		Author:     "tester",
		TickPeriod: 20 * time.Millisecond,
	}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

func addItem(t *testing.T, c *Coordinator, concept string) int64 {
	t.Helper()
	ws, err := c.Branch()
	require.NoError(t, err)
	var id int64
	require.NoError(t, ws.RunWrite(func(tx *workspace.WriteTx) error {
		id, err = tx.AddNewChild(tree.RootID, "items", -1, concept)
		return err
	}))
	return id
}

func converged(cs ...*Coordinator) func() bool {
	return func() bool {
		var hash string
		for _, c := range cs {
			local, err := c.LocalVersion()
			if err != nil {
				return false
			}
			remote, err := c.RemoteVersion()
			if err != nil || local.Hash() != remote.Hash() {
				return false
			}
			if hash != "" && hash != local.Hash() {
				return false
			}
			hash = local.Hash()
		}
		return true
	}
}

func TestNewCreatesAndLoadsBranch(t *testing.T) {
	backend := store.NewMemory()
	a := newCoordinator(t, backend, 1, Deps{})
	b := newCoordinator(t, backend, 2, Deps{})

	hash, ok, err := backend.GetBranch(context.Background(), "main")
	require.NoError(t, err)
	require.True(t, ok)

	va, err := a.LocalVersion()
	require.NoError(t, err)
	vb, err := b.LocalVersion()
	require.NoError(t, err)
	assert.Equal(t, hash, va.Hash())
	assert.Equal(t, hash, vb.Hash())
	assert.Equal(t, va.Tree().ID(), vb.Tree().ID())
}

func TestEndEditWithoutChanges(t *testing.T) {
	c := newCoordinator(t, store.NewMemory(), 1, Deps{})
	v, err := c.EndEdit()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestConcurrentEditsConverge(t *testing.T) {
	backend := store.NewMemory()
	a := newCoordinator(t, backend, 1, Deps{})
	b := newCoordinator(t, backend, 2, Deps{})

	idA := addItem(t, a, "A")
	idB := addItem(t, b, "B")
	_, err := a.EndEdit()
	require.NoError(t, err)
	_, err = b.EndEdit()
	require.NoError(t, err)

	require.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)

	for _, c := range []*Coordinator{a, b} {
		v, err := c.LocalVersion()
		require.NoError(t, err)
		assert.True(t, v.Tree().ContainsNode(idA))
		assert.True(t, v.Tree().ContainsNode(idB))
		ws, err := c.Branch()
		require.NoError(t, err)
		assert.Equal(t, v.Tree().Hash(), ws.Tree().Hash())
	}

	hash, _, err := backend.GetBranch(context.Background(), "main")
	require.NoError(t, err)
	local, err := a.LocalVersion()
	require.NoError(t, err)
	assert.Equal(t, local.Hash(), hash)
}

func TestUncommittedEditsAreKept(t *testing.T) {
	backend := store.NewMemory()
	a := newCoordinator(t, backend, 1, Deps{})
	b := newCoordinator(t, backend, 2, Deps{})
	ctx := context.Background()

	pending := addItem(t, a, "pending")
	remote := addItem(t, b, "remote")
	_, err := b.EndEdit()
	require.NoError(t, err)
	require.NoError(t, b.Sync(ctx))

	require.NoError(t, a.Sync(ctx))
	rv, err := a.RemoteVersion()
	require.NoError(t, err)
	assert.True(t, rv.Tree().ContainsNode(remote))
	ws, err := a.Branch()
	require.NoError(t, err)
	assert.True(t, ws.HasPending())
	assert.False(t, ws.Tree().ContainsNode(remote))

	_, err = a.EndEdit()
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx))
	lv, err := a.LocalVersion()
	require.NoError(t, err)
	assert.True(t, lv.Tree().ContainsNode(pending))
	assert.True(t, lv.Tree().ContainsNode(remote))
}

type recordingVisitor struct {
	mu    sync.Mutex
	added []int64
}

func (r *recordingVisitor) NodeAdded(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, id)
}

func (r *recordingVisitor) Added() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.added...)
}

func (r *recordingVisitor) NodeRemoved(int64) {}
func (r *recordingVisitor) ConceptChanged(int64) {}
func (r *recordingVisitor) PropertyChanged(int64, string) {}
func (r *recordingVisitor) ReferenceChanged(int64, string) {}
func (r *recordingVisitor) ChildrenChanged(int64, string) {}

func TestOnChangeReceivesRemoteChanges(t *testing.T) {
	backend := store.NewMemory()
	visitor := &recordingVisitor{}
	a := newCoordinator(t, backend, 1, Deps{OnChange: visitor})
	b := newCoordinator(t, backend, 2, Deps{})

	id := addItem(t, b, "B")
	_, err := b.EndEdit()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int64{id}, visitor.Added())
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
}

// flakyBranches fails PutBranch while failing is set.
type flakyBranches struct {
	store.BranchStore
	failing atomic.Bool
}

func (f *flakyBranches) PutBranch(ctx context.Context, key, hash string) error {
	if f.failing.Load() {
		return errors.New("connection refused")
	}
	return f.BranchStore.PutBranch(ctx, key, hash)
}

func TestPublishFailureIsRetried(t *testing.T) {
	backend := store.NewMemory()
	branches := &flakyBranches{BranchStore: backend}
	c := newCoordinator(t, backend, 1, Deps{Branches: branches})
	ctx := context.Background()

	branches.failing.Store(true)
	id := addItem(t, c, "A")
	v, err := c.EndEdit()
	require.NoError(t, err)
	assert.Error(t, c.Sync(ctx))

	local, err := c.LocalVersion()
	require.NoError(t, err)
	assert.Equal(t, v.Hash(), local.Hash())
	assert.True(t, local.Tree().ContainsNode(id))

	branches.failing.Store(false)
	require.Eventually(t, func() bool {
		hash, _, err := backend.GetBranch(ctx, "main")
		return err == nil && hash == v.Hash()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispose(t *testing.T) {
	c := newCoordinator(t, store.NewMemory(), 1, Deps{})
	require.NoError(t, c.Dispose())

	assert.ErrorIs(t, c.Dispose(), ErrDisposed)
	_, err := c.EndEdit()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = c.Branch()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = c.LocalVersion()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = c.RemoteVersion()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = c.Divergence()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = c.Merger()
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, c.Sync(context.Background()), ErrDisposed)
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(context.Background(), Config{}, Deps{})
	assert.Error(t, err)
}

func TestNewRejectsReservedClientID(t *testing.T) {
	backend := store.NewMemory()
	_, err := New(context.Background(), Config{Branch: "main"}, Deps{Objects: backend, Branches: backend, Logger: quietLogger})
	assert.Error(t, err)
	_, ok, err := backend.GetBranch(context.Background(), "main")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListenersMayReadCoordinatorDuringAdoption(t *testing.T) {
	backend := store.NewMemory()
	a := newCoordinator(t, backend, 1, Deps{})
	b := newCoordinator(t, backend, 2, Deps{})

	var matched atomic.Bool
	ws, err := a.Branch()
	require.NoError(t, err)
	ws.AddListener(func(_, new *tree.Tree) {
		local, err := a.LocalVersion()
		if err == nil && local.Tree() == new {
			matched.Store(true)
		}
	})

	addItem(t, b, "B")
	_, err = b.EndEdit()
	require.NoError(t, err)
	require.NoError(t, b.Sync(context.Background()))

	require.Eventually(t, matched.Load, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
}

// newIdleCoordinator never ticks, so tests drive it by hand.
func newIdleCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	backend := store.NewMemory()
	c, err := New(context.Background(), Config{
		Branch:     "main",
		ClientID:   1,
		TickPeriod: time.Hour,
	}, Deps{Objects: backend, Branches: backend, Logger: quietLogger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

// child commits a property change on top of base.
func child(t *testing.T, c *Coordinator, id int64, base *eg.Version, role string) *eg.Version {
	t.Helper()
	op := ol.SetProperty{Node: tree.RootID, Role: role, Value: "x"}
	next, _, err := op.Apply(base.Tree())
	require.NoError(t, err)
	v, err := eg.NewRegular(id, base, next, []ol.Op{op}, eg.Meta{Time: time.Unix(id, 0)})
	require.NoError(t, err)
	c.arena.Add(v)
	return v
}

func TestReconcileFallsBackToLockAfterLostRaces(t *testing.T) {
	c := newIdleCoordinator(t)
	root, err := c.RemoteVersion()
	require.NoError(t, err)
	incoming := child(t, c, 2000, root, "incoming")

	races := 0
	c.beforeSwap = func() {
		races++
		c.mu.Lock()
		defer c.mu.Unlock()
		c.remote = child(t, c, int64(1000+races), c.remote, fmt.Sprintf("race%d", races))
	}
	require.NoError(t, c.reconcile(context.Background(), incoming))
	assert.Equal(t, DefaultMaxAttempts, races)

	local, err := c.LocalVersion()
	require.NoError(t, err)
	remote, err := c.RemoteVersion()
	require.NoError(t, err)
	assert.Equal(t, remote.Hash(), local.Hash())
	for _, role := range []string{"incoming", "race1", "race2", "race3"} {
		v, ok := remote.Tree().Property(tree.RootID, role)
		assert.True(t, ok, role)
		assert.Equal(t, "x", v, role)
	}
	ws, err := c.Branch()
	require.NoError(t, err)
	assert.Same(t, remote.Tree(), ws.Tree())
}

func TestDivergenceCounter(t *testing.T) {
	c := newIdleCoordinator(t)
	root, err := c.RemoteVersion()
	require.NoError(t, err)
	ahead := child(t, c, 1000, root, "ahead")

	c.mu.Lock()
	c.local = ahead
	c.mu.Unlock()
	for i := 1; i <= divergenceLimit; i++ {
		c.checkDivergence()
		n, err := c.Divergence()
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	c.checkDivergence()
	n, err := c.Divergence()
	require.NoError(t, err)
	assert.Zero(t, n, "starts over past the limit")

	c.checkDivergence()
	c.mu.Lock()
	c.local = c.remote
	c.mu.Unlock()
	c.checkDivergence()
	n, err = c.Divergence()
	require.NoError(t, err)
	assert.Zero(t, n)
}
