package eg

import (
	"cmp"
	"context"
	"errors"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/treesync/util"
)

// expandToSet collects the hashes of heads and everything reachable from them,
// not entering the versions in stop.
func expandToSet(ctx context.Context, arena *Arena, stop mapset.Set[string], heads ...*Version) (map[string]*Version, error) {
	set := map[string]*Version{}
	toExpand := slices.Clone(heads)

	for len(toExpand) > 0 {
		v := toExpand[len(toExpand)-1]
		toExpand = toExpand[:len(toExpand)-1]
		if _, ok := set[v.hash]; ok || (stop != nil && stop.Contains(v.hash)) {
			continue
		}

		set[v.hash] = v
		for _, p := range v.Parents() {
			parent, err := arena.Get(ctx, p)
			if err != nil {
				return nil, err
			}
			toExpand = append(toExpand, parent)
		}
	}

	return set, nil
}

// Ancestors returns the hashes of v and all its ancestors.
func Ancestors(ctx context.Context, arena *Arena, v *Version) (mapset.Set[string], error) {
	set, err := expandToSet(ctx, arena, nil, v)
	if err != nil {
		return nil, err
	}
	result := mapset.NewThreadUnsafeSetWithSize[string](len(set))
	for hash := range set {
		result.Add(hash)
	}
	return result, nil
}

// Linearize returns the history of heads, oldest first, in an order that is
// the same on every replica. The walk stops at stopAt: neither it nor its
// ancestors are part of the result. An empty or unknown stopAt yields the
// whole history.
//
// The order is a depth-first post-order: heads are visited by ascending
// (id, hash), and the parents of a merge in their stored order, so every
// version comes after all of its parents.
func Linearize(ctx context.Context, arena *Arena, stopAt string, heads ...*Version) ([]*Version, error) {
	stop := mapset.NewThreadUnsafeSet[string]()
	if stopAt != "" {
		stopVersion, err := arena.Get(ctx, stopAt)
		switch {
		case err == nil:
			if stop, err = Ancestors(ctx, arena, stopVersion); err != nil {
				return nil, err
			}
		case !errors.Is(err, ErrVersionNotFound):
			return nil, err
		}
	}

	sorted := slices.Clone(heads)
	slices.SortFunc(sorted, compareVersions)

	type frame struct {
		v    *Version
		next int
	}
	var result []*Version
	visited := mapset.NewThreadUnsafeSet[string]()
	for _, head := range sorted {
		if visited.Contains(head.hash) || stop.Contains(head.hash) {
			continue
		}
		visited.Add(head.hash)
		stack := []*frame{{v: head}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			parents := top.v.Parents()
			if top.next == len(parents) {
				result = append(result, top.v)
				stack = stack[:len(stack)-1]
				continue
			}
			p := parents[top.next]
			top.next++
			if visited.Contains(p) || stop.Contains(p) {
				continue
			}
			parent, err := arena.Get(ctx, p)
			if err != nil {
				return nil, err
			}
			visited.Add(p)
			stack = append(stack, &frame{v: parent})
		}
	}
	return result, nil
}

// NonMerges filters merge versions out of a linearized history. The result
// is the order in which a merge replays operations.
func NonMerges(history []*Version) []*Version {
	return util.Filter(history, func(v *Version) bool { return !v.IsMerge() })
}

func compareVersions(a, b *Version) int {
	return cmp.Or(cmp.Compare(a.id, b.id), cmp.Compare(a.hash, b.hash))
}
