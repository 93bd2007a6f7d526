// Package replica keeps the workspace of one replica in sync with a branch of
// the remote authority.
//
// Local edits are committed with EndEdit into a new local version. Background
// workers merge local and remote versions and publish the result with an
// optimistic compare-and-swap on the coordinator state: the merge runs on
// immutable snapshots without the lock, and only swaps the result in if
// neither version moved in the meantime. After MaxAttempts lost races the
// last attempt runs while holding the lock.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kevinxiao27/treesync/eg"
	"github.com/kevinxiao27/treesync/internal/idgen"
	"github.com/kevinxiao27/treesync/internal/metrics"
	"github.com/kevinxiao27/treesync/ol"
	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/tree"
	"github.com/kevinxiao27/treesync/workspace"
)

var (
	ErrDisposed = errors.New("replica: coordinator is disposed")
)

var tracer = otel.Tracer("treesync.replica")

const taskQueueSize = 64

type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	ids       *idgen.Generator
	arena     *eg.Arena
	merger    *eg.Merger
	workspace *workspace.Workspace
	branches  store.BranchStore
	onChange  tree.ChangeVisitor

	mu         sync.Mutex
	local      *eg.Version
	remote     *eg.Version
	serverHash string
	divergence int

	publishMu sync.Mutex

	// beforeSwap, if set, runs between an optimistic merge and its swap.
	beforeSwap func()

	tasks    chan func(ctx context.Context)
	cancel   context.CancelFunc
	group    *errgroup.Group
	disposed atomic.Bool
}

// New loads the branch from the remote authority, or creates it with an
// empty tree, and starts the background workers.
func New(ctx context.Context, cfg Config, deps Deps) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if deps.Objects == nil || deps.Branches == nil {
		return nil, fmt.Errorf("replica: object and branch store are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "replica"), slog.String("branch", cfg.Branch))

	ids, err := idgen.New(cfg.ClientID)
	if err != nil {
		return nil, err
	}
	arena := eg.NewArena(deps.Objects)
	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		ids:      ids,
		arena:    arena,
		merger:   eg.NewMerger(arena, logger),
		branches: deps.Branches,
		onChange: deps.OnChange,
		tasks:    make(chan func(ctx context.Context), taskQueueSize),
	}

	v, err := c.loadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	c.local, c.remote, c.serverHash = v, v, v.Hash()
	c.workspace = workspace.New(v.Tree(), ids)

	bg, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, bg = errgroup.WithContext(bg)
	for range cfg.Workers {
		c.group.Go(func() error { return c.work(bg) })
	}
	c.group.Go(func() error { return c.listen(bg) })
	c.group.Go(func() error { return c.tickLoop(bg) })

	logger.Info("replica started", slog.String("version", v.Hash()), slog.Uint64("client_id", uint64(cfg.ClientID)))
	return c, nil
}

func (c *Coordinator) loadOrCreate(ctx context.Context) (*eg.Version, error) {
	hash, ok, err := c.branches.GetBranch(ctx, c.cfg.Branch)
	if err != nil {
		return nil, fmt.Errorf("read branch %s: %w", c.cfg.Branch, err)
	}
	if ok {
		v, err := c.arena.Get(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("load branch %s: %w", c.cfg.Branch, err)
		}
		return v, nil
	}

	v, err := eg.NewRoot(c.ids.Generate(), tree.New(), c.meta())
	if err != nil {
		return nil, err
	}
	c.arena.Add(v)
	if err := c.arena.Persist(ctx, v); err != nil {
		return nil, fmt.Errorf("persist root version: %w", err)
	}
	if err := c.branches.PutBranch(ctx, c.cfg.Branch, v.Hash()); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", c.cfg.Branch, err)
	}
	c.logger.Info("created branch", slog.String("version", v.Hash()))
	return v, nil
}

func (c *Coordinator) meta() eg.Meta {
	return eg.Meta{Author: c.cfg.Author, Time: time.Now()}
}

// Branch returns the workspace holding the reconciled local state. Edits made
// through it are shared by calling EndEdit.
func (c *Coordinator) Branch() (*workspace.Workspace, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}
	return c.workspace, nil
}

// Merger returns the merge engine working on the coordinator's versions.
func (c *Coordinator) Merger() (*eg.Merger, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}
	return c.merger, nil
}

func (c *Coordinator) LocalVersion() (*eg.Version, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local, nil
}

func (c *Coordinator) RemoteVersion() (*eg.Version, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote, nil
}

// Divergence returns the number of consecutive liveness checks that found
// the local and remote versions differing.
func (c *Coordinator) Divergence() (int, error) {
	if c.disposed.Load() {
		return 0, ErrDisposed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.divergence, nil
}

// EndEdit commits the pending changes of the workspace as a new local
// version and schedules merging it into the branch. It returns nil if there
// was nothing to commit.
func (c *Coordinator) EndEdit() (*eg.Version, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}

	c.mu.Lock()
	applied, t := c.workspace.PendingChanges()
	if len(applied) == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	v, err := eg.NewRegular(c.ids.Generate(), c.local, t, ol.Originals(applied), c.meta())
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("commit local changes: %w", err)
	}
	c.arena.Add(v)
	c.local = v
	c.mu.Unlock()

	c.logger.Debug("committed local version", slog.String("version", v.Hash()), slog.Int("ops", len(applied)))
	c.dispatch(func(ctx context.Context) {
		if err := c.reconcile(ctx, nil); err != nil {
			c.logger.Error("merging local changes failed", slog.String("error", err.Error()))
			return
		}
		_ = c.publish(ctx)
	})
	return v, nil
}

// Sync polls the branch pointer, merges and publishes synchronously.
func (c *Coordinator) Sync(ctx context.Context) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	return c.sync(ctx)
}

func (c *Coordinator) sync(ctx context.Context) error {
	hash, ok, err := c.branches.GetBranch(ctx, c.cfg.Branch)
	if err != nil {
		c.logger.Warn("polling branch failed", slog.String("error", err.Error()))
	} else if ok {
		if err := c.pull(ctx, hash); err != nil {
			return err
		}
	}

	c.mu.Lock()
	diverged := c.local.Hash() != c.remote.Hash()
	c.mu.Unlock()
	if diverged {
		if err := c.reconcile(ctx, nil); err != nil {
			return err
		}
	}
	return c.publish(ctx)
}

// Dispose stops the background work. Every later call on the coordinator
// fails with ErrDisposed.
func (c *Coordinator) Dispose() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return ErrDisposed
	}
	c.cancel()
	err := c.group.Wait()
	metrics.Divergence.DeleteLabelValues(c.cfg.Branch)
	c.logger.Info("replica disposed")
	return err
}

func (c *Coordinator) dispatch(task func(ctx context.Context)) {
	if c.disposed.Load() {
		return
	}
	select {
	case c.tasks <- task:
	default:
		// The next tick catches up.
		c.logger.Debug("task queue full, dropping task")
	}
}

func (c *Coordinator) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-c.tasks:
			task(ctx)
		}
	}
}

// pull handles a remote branch pointer value.
func (c *Coordinator) pull(ctx context.Context, hash string) error {
	c.mu.Lock()
	c.serverHash = hash
	known := c.remote.Hash() == hash || c.local.Hash() == hash
	c.mu.Unlock()
	if known {
		return nil
	}

	v, err := c.arena.Get(ctx, hash)
	if err != nil {
		return fmt.Errorf("load remote version %s: %w", hash, err)
	}
	return c.reconcile(ctx, v)
}

// adoption is a workspace reset whose listeners still have to be told.
type adoption struct {
	old, new *tree.Tree
	changed  func()
}

// reconcile merges local, remote and incoming (if any) and swaps the result
// in as the new remote version, and as the new local version unless the
// workspace holds uncommitted edits.
func (c *Coordinator) reconcile(ctx context.Context, incoming *eg.Version) error {
	direction := "local"
	if incoming != nil {
		direction = "remote"
	}

	for range c.cfg.MaxAttempts {
		c.mu.Lock()
		local, remote := c.local, c.remote
		c.mu.Unlock()

		merged, err := c.mergeAll(ctx, local, remote, incoming)
		if err != nil {
			metrics.CASAttempts.WithLabelValues(direction, "error").Inc()
			return err
		}

		if c.beforeSwap != nil {
			c.beforeSwap()
		}
		c.mu.Lock()
		ok, adopted := c.swapLocked(local, remote, merged)
		c.mu.Unlock()
		if ok {
			metrics.CASAttempts.WithLabelValues(direction, "ok").Inc()
			c.notify(adopted)
			return nil
		}
		metrics.CASAttempts.WithLabelValues(direction, "conflict").Inc()
	}

	c.logger.Debug("optimistic merge attempts exhausted, merging under lock", slog.String("direction", direction))
	c.mu.Lock()
	merged, err := c.mergeAll(ctx, c.local, c.remote, incoming)
	if err != nil {
		c.mu.Unlock()
		metrics.CASAttempts.WithLabelValues(direction, "error").Inc()
		return err
	}
	_, adopted := c.swapLocked(c.local, c.remote, merged)
	c.mu.Unlock()
	metrics.CASAttempts.WithLabelValues(direction, "locked").Inc()
	c.notify(adopted)
	return nil
}

func (c *Coordinator) mergeAll(ctx context.Context, local, remote, incoming *eg.Version) (*eg.Version, error) {
	merged, err := c.merger.MergeChange(ctx, remote, local)
	if err != nil {
		return nil, err
	}
	if incoming == nil {
		return merged, nil
	}
	return c.merger.MergeChange(ctx, merged, incoming)
}

// swapLocked installs merged if local and remote are still current. c.mu
// must be held. Nobody is notified before the caller passes the adoption to
// notify.
func (c *Coordinator) swapLocked(local, remote, merged *eg.Version) (bool, *adoption) {
	if c.local.Hash() != local.Hash() || c.remote.Hash() != remote.Hash() {
		return false, nil
	}
	c.remote = merged
	if merged.Hash() == local.Hash() {
		return true, nil
	}

	old := c.workspace.Tree()
	changed, err := c.workspace.Replace(merged.Tree())
	if err != nil {
		// Adopted by a later reconcile once the edits are committed.
		c.logger.Debug("keeping uncommitted edits", slog.String("remote", merged.Hash()))
		return true, nil
	}
	c.local = merged
	return true, &adoption{old: old, new: merged.Tree(), changed: changed}
}

// notify runs the workspace listeners and OnChange. c.mu must not be held.
func (c *Coordinator) notify(a *adoption) {
	if a == nil {
		return
	}
	a.changed()
	if c.onChange != nil {
		tree.VisitChanges(a.old, a.new, c.onChange)
	}
}

// publish writes the remote version to the authority unless it already holds
// it. A failure leaves the coordinator state untouched; the next tick retries.
func (c *Coordinator) publish(ctx context.Context) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	remote, server := c.remote, c.serverHash
	c.mu.Unlock()
	if remote.Hash() == server {
		return nil
	}

	ctx, span := tracer.Start(ctx, "replica.publish",
		trace.WithAttributes(
			attribute.String("treesync.branch", c.cfg.Branch),
			attribute.String("treesync.version", remote.Hash()),
		),
	)
	defer span.End()

	err := c.arena.Persist(ctx, remote)
	if err == nil {
		err = c.branches.PutBranch(ctx, c.cfg.Branch, remote.Hash())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.PublishFailures.Inc()
		c.logger.Warn("publishing version failed",
			slog.String("version", remote.Hash()),
			slog.String("error", err.Error()))
		return fmt.Errorf("publish %s: %w", remote.Hash(), err)
	}

	c.mu.Lock()
	c.serverHash = remote.Hash()
	c.mu.Unlock()
	span.SetStatus(codes.Ok, "")
	c.logger.Debug("published version", slog.String("version", remote.Hash()))
	return nil
}
