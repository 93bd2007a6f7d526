package eg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/tree"
)

// Arena holds versions by hash and loads missing ones from an object store.
type Arena struct {
	mu        sync.RWMutex
	versions  map[string]*Version
	trees     map[string]*tree.Tree
	persisted mapset.Set[string]
	objects   store.ObjectStore
}

// NewArena creates an arena. objects may be nil for a purely in-memory arena.
func NewArena(objects store.ObjectStore) *Arena {
	return &Arena{
		versions:  map[string]*Version{},
		trees:     map[string]*tree.Tree{},
		persisted: mapset.NewSet[string](),
		objects:   objects,
	}
}

func (a *Arena) Add(versions ...*Version) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range versions {
		a.versions[v.hash] = v
		a.trees[v.tree.Hash()] = v.tree
	}
}

func (a *Arena) cached(hash string) (*Version, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.versions[hash]
	return v, ok
}

// Get returns the version with the given hash.
func (a *Arena) Get(ctx context.Context, hash string) (*Version, error) {
	if v, ok := a.cached(hash); ok {
		return v, nil
	}
	if a.objects == nil {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	data, err := a.objects.GetObject(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", hash, err)
	}
	v, err := Decode(data, func(treeHash string) (*tree.Tree, error) {
		return a.loadTree(ctx, treeHash)
	})
	if err != nil {
		return nil, err
	}
	if v.hash != hash {
		return nil, fmt.Errorf("load version %s: %w", hash, store.ErrHashMismatch)
	}
	a.Add(v)
	a.persisted.Add(hash)
	return v, nil
}

func (a *Arena) loadTree(ctx context.Context, hash string) (*tree.Tree, error) {
	a.mu.RLock()
	t, ok := a.trees[hash]
	a.mu.RUnlock()
	if ok {
		return t, nil
	}
	data, err := a.objects.GetObject(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", hash, err)
	}
	t, err = tree.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if t.Hash() != hash {
		return nil, fmt.Errorf("load tree %s: %w", hash, store.ErrHashMismatch)
	}
	return t, nil
}

// Persist writes v and every ancestor not written yet to the object store.
// Parents are written before their children, so a reader that finds a version
// can always load its whole history.
func (a *Arena) Persist(ctx context.Context, v *Version) error {
	if a.objects == nil {
		return nil
	}
	var (
		pending []*Version
		visited = mapset.NewThreadUnsafeSet[string]()
		visit   func(cur *Version) error
	)
	visit = func(cur *Version) error {
		if visited.Contains(cur.hash) || a.persisted.Contains(cur.hash) {
			return nil
		}
		visited.Add(cur.hash)
		for _, p := range cur.Parents() {
			parent, err := a.Get(ctx, p)
			if err != nil {
				return err
			}
			if err := visit(parent); err != nil {
				return err
			}
		}
		pending = append(pending, cur)
		return nil
	}
	if err := visit(v); err != nil {
		return err
	}

	for _, cur := range pending {
		data, err := cur.tree.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode tree of %s: %w", cur, err)
		}
		if err := a.objects.PutObject(ctx, cur.tree.Hash(), data); err != nil {
			return fmt.Errorf("store tree of %s: %w", cur, err)
		}
		if err := a.objects.PutObject(ctx, cur.hash, cur.encoded); err != nil {
			return fmt.Errorf("store %s: %w", cur, err)
		}
		a.persisted.Add(cur.hash)
	}
	return nil
}
