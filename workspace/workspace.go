// Package workspace records edits on a tree as operations.
//
// A Workspace owns the current tree of one replica. Writes go through
// RunWrite, which hands out a WriteTx; every primitive edit on the
// transaction becomes an ol.Op, is applied, and its ol.Applied form is kept
// until PendingChanges collects it for the next version.
package workspace

import (
	"errors"
	"sync"

	"github.com/kevinxiao27/treesync/ol"
	"github.com/kevinxiao27/treesync/tree"
)

var (
	ErrPendingChanges = errors.New("workspace has uncommitted changes")
)

// IDSource generates node ids. *idgen.Generator implements it.
type IDSource interface {
	Generate() int64
}

// Listener is called after a write transaction or reset changed the tree.
type Listener func(old, new *tree.Tree)

type Workspace struct {
	mu        sync.Mutex
	tree      *tree.Tree
	pending   []ol.Applied
	bulk      bool
	ids       IDSource
	listeners []Listener
}

func New(t *tree.Tree, ids IDSource) *Workspace {
	return &Workspace{tree: t, ids: ids}
}

// Tree returns the current tree.
func (w *Workspace) Tree() *tree.Tree {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tree
}

// RunRead runs fn against a snapshot of the current tree.
func (w *Workspace) RunRead(fn func(t *tree.Tree) error) error {
	return fn(w.Tree())
}

// RunWrite runs fn inside a write transaction. Writers are serialized. If fn
// returns an error or panics, none of its edits become visible.
func (w *Workspace) RunWrite(fn func(tx *WriteTx) error) error {
	changed, err := w.write(fn)
	if err != nil {
		return err
	}
	changed()
	return nil
}

func (w *Workspace) write(fn func(tx *WriteTx) error) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.tree
	tx := &WriteTx{tree: old, ids: w.ids}
	if err := fn(tx); err != nil {
		return nil, err
	}
	w.tree = tx.tree
	w.pending = append(w.pending, tx.applied...)
	return w.changedLocked(old, tx.tree), nil
}

// Apply runs a single operation in its own transaction.
func (w *Workspace) Apply(op ol.Op) error {
	return w.RunWrite(func(tx *WriteTx) error {
		return tx.Apply(op)
	})
}

// PendingChanges returns the operations applied since the previous call,
// together with the tree they produced, and clears the list.
func (w *Workspace) PendingChanges() ([]ol.Applied, *tree.Tree) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := w.pending
	w.pending = nil
	if w.bulk {
		pending = ol.Compress(pending)
	}
	return pending, w.tree
}

func (w *Workspace) HasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0
}

// Reset replaces the current tree, typically with the result of a merge.
// It refuses to drop edits that were not collected yet.
func (w *Workspace) Reset(t *tree.Tree) error {
	changed, err := w.Replace(t)
	if err != nil {
		return err
	}
	changed()
	return nil
}

// Replace is Reset without notifying listeners. The caller runs the returned
// function once it no longer holds locks that listeners may need.
func (w *Workspace) Replace(t *tree.Tree) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		return nil, ErrPendingChanges
	}
	old := w.tree
	w.tree = t
	return w.changedLocked(old, t), nil
}

// SetBulkUpdate switches compression of pending changes on or off. In bulk
// mode set operations overwritten within one batch are dropped.
func (w *Workspace) SetBulkUpdate(bulk bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bulk = bulk
}

func (w *Workspace) AddListener(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// changedLocked snapshots the listeners for a change from old to new. w.mu
// must be held; the returned function must be called without it.
func (w *Workspace) changedLocked(old, new *tree.Tree) func() {
	listeners := w.listeners
	return func() {
		if old == new {
			return
		}
		for _, l := range listeners {
			l(old, new)
		}
	}
}
