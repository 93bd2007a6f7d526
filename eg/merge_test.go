package eg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinxiao27/treesync/ol"
	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/tree"
	"github.com/kevinxiao27/treesync/workspace"
)

const nodeN int64 = 100

type fixture struct {
	t      *testing.T
	arena  *Arena
	merger *Merger
}

func newFixture(t *testing.T, objects store.ObjectStore) *fixture {
	arena := NewArena(objects)
	return &fixture{t: t, arena: arena, merger: NewMerger(arena, nil)}
}

func (f *fixture) root() *Version {
	f.t.Helper()
	v, err := NewRoot(1, tree.NewWithID("merge-test"), Meta{Time: time.Unix(1000, 0)})
	require.NoError(f.t, err)
	f.arena.Add(v)
	return v
}

// commit records ops on top of base the way a replica does.
func (f *fixture) commit(id int64, base *Version, ops ...ol.Op) *Version {
	f.t.Helper()
	ws := workspace.New(base.Tree(), nil)
	for _, op := range ops {
		require.NoError(f.t, ws.Apply(op))
	}
	applied, result := ws.PendingChanges()
	v, err := NewRegular(id, base, result, ol.Originals(applied), Meta{Author: "test", Time: time.Unix(1000+id, 0)})
	require.NoError(f.t, err)
	f.arena.Add(v)
	return v
}

func (f *fixture) mergeChange(v1, v2 *Version) *Version {
	f.t.Helper()
	merged, err := f.merger.MergeChange(context.Background(), v1, v2)
	require.NoError(f.t, err)
	return merged
}

// ancestorWithNode has node n with property p set to "".
func (f *fixture) ancestorWithNode() *Version {
	return f.commit(2, f.root(),
		ol.AddNewChildren{Parent: tree.RootID, Role: "items", Index: 0, Children: []ol.NewChild{{ID: nodeN, Concept: "N"}}},
		ol.SetProperty{Node: nodeN, Role: "p", Value: ""},
	)
}

func property(t *tree.Tree, node int64, role string) string {
	v, _ := t.Property(node, role)
	return v
}

func TestMergeIdentical(t *testing.T) {
	f := newFixture(t, nil)
	v := f.ancestorWithNode()
	assert.Same(t, v, f.mergeChange(v, v))
}

func TestMergeFastForward(t *testing.T) {
	f := newFixture(t, nil)
	a := f.ancestorWithNode()
	b := f.commit(3, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "x"})
	c := f.commit(4, b, ol.SetProperty{Node: nodeN, Role: "q", Value: "y"})

	assert.Same(t, c, f.mergeChange(a, c))
	assert.Same(t, c, f.mergeChange(c, a))
	assert.Equal(t, c.Tree().Hash(), f.mergeChange(b, c).Tree().Hash())
}

func TestMergeLastReplayedWins(t *testing.T) {
	f := newFixture(t, nil)
	a := f.ancestorWithNode()
	b1 := f.commit(3, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "x"})
	b2 := f.commit(4, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "y"})

	merged := f.mergeChange(b1, b2)
	assert.True(t, merged.IsMerge())
	assert.Equal(t, "y", property(merged.Tree(), nodeN, "p"))
	assert.Equal(t, merged.Hash(), f.mergeChange(b2, b1).Hash())
}

func TestMergeDeleteWins(t *testing.T) {
	for _, tt := range []struct {
		name             string
		deleteID, editID int64
	}{
		{"delete replayed first", 3, 4},
		{"delete replayed last", 4, 3},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			a := f.ancestorWithNode()
			deleted := f.commit(tt.deleteID, a, ol.DeleteNode{Node: nodeN})
			edited := f.commit(tt.editID, a,
				ol.SetProperty{Node: nodeN, Role: "p", Value: "z"},
				ol.AddNewChildren{Parent: nodeN, Role: "sub", Index: 0, Children: []ol.NewChild{{ID: 200}}},
			)

			merged := f.mergeChange(deleted, edited)
			assert.False(t, merged.Tree().ContainsNode(nodeN))
			assert.False(t, merged.Tree().ContainsNode(200))
			assert.Empty(t, merged.Tree().Children(tree.RootID, "items"))
		})
	}
}

func TestMergeDeleteKeepsNodesMovedIntoDeletedSubtree(t *testing.T) {
	for _, tt := range []struct {
		name             string
		deleteID, moveID int64
	}{
		{"delete replayed first", 3, 4},
		{"delete replayed last", 4, 3},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			a := f.commit(2, f.root(), ol.AddNewChildren{Parent: tree.RootID, Role: "items", Index: 0,
				Children: []ol.NewChild{{ID: nodeN}, {ID: 300}, {ID: 400}}})
			deleted := f.commit(tt.deleteID, a, ol.DeleteNode{Node: nodeN})
			moved := f.commit(tt.moveID, a, ol.MoveChild{NewParent: nodeN, NewRole: "sub", NewIndex: -1, Child: 300})

			merged := f.mergeChange(deleted, moved)
			assert.False(t, merged.Tree().ContainsNode(nodeN))
			assert.True(t, merged.Tree().ContainsNode(300))
			assert.Equal(t, []int64{300, 400}, merged.Tree().Children(tree.RootID, "items"))
			assert.Equal(t, merged.Hash(), f.mergeChange(moved, deleted).Hash())
		})
	}
}

func TestMergeConcurrentInserts(t *testing.T) {
	f := newFixture(t, nil)
	a := f.commit(2, f.root(), ol.AddNewChildren{Parent: tree.RootID, Role: "items", Index: 0, Children: []ol.NewChild{{ID: 10}, {ID: 11}}})
	b1 := f.commit(3, a, ol.AddNewChildren{Parent: tree.RootID, Role: "items", Index: 1, Children: []ol.NewChild{{ID: 20}}})
	b2 := f.commit(4, a,
		ol.AddNewChildren{Parent: tree.RootID, Role: "items", Index: 0, Children: []ol.NewChild{{ID: 30}}},
		ol.MoveChild{NewParent: tree.RootID, NewRole: "items", NewIndex: -1, Child: 10},
	)

	merged := f.mergeChange(b1, b2)
	// 20 stays in front of 11 after 10 moved to the end.
	assert.Equal(t, []int64{30, 20, 11, 10}, merged.Tree().Children(tree.RootID, "items"))
	assert.Equal(t, merged.Hash(), f.mergeChange(b2, b1).Hash())
}

func TestMergeVersionMetadata(t *testing.T) {
	f := newFixture(t, nil)
	a := f.ancestorWithNode()
	b1 := f.commit(3, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "x"})
	b2 := f.commit(4, a, ol.SetProperty{Node: nodeN, Role: "q", Value: "y"})

	merged := f.mergeChange(b1, b2)
	m1, m2 := merged.MergedVersions()
	assert.ElementsMatch(t, []string{b1.Hash(), b2.Hash()}, []string{m1, m2})
	assert.Less(t, m1, m2)
	assert.Negative(t, merged.ID())
	assert.Empty(t, merged.Author())
	assert.Equal(t, b2.Time(), merged.Time())
	assert.Equal(t, []ol.Op{
		ol.SetProperty{Node: nodeN, Role: "p", Value: "x"},
		ol.SetProperty{Node: nodeN, Role: "q", Value: "y"},
	}, merged.Operations())
}

func TestMergeIsDeterministicAcrossReplicas(t *testing.T) {
	build := func() *Version {
		f := newFixture(t, nil)
		a := f.ancestorWithNode()
		b1 := f.commit(3, a, ol.MoveChild{NewParent: tree.RootID, NewRole: "other", NewIndex: 0, Child: nodeN})
		b2 := f.commit(4, a, ol.AddNewChildren{Parent: tree.RootID, Role: "items", Index: 0, Children: []ol.NewChild{{ID: 5}}})
		b3 := f.commit(5, b2, ol.SetReference{Node: 5, Role: "target", Target: nodeN})
		return f.mergeChange(f.mergeChange(b1, b2), b3)
	}
	first, second := build(), build()
	assert.Equal(t, first.Hash(), second.Hash())
	assert.Equal(t, first.Tree().Hash(), second.Tree().Hash())
}

func TestMergeCrissCross(t *testing.T) {
	f := newFixture(t, nil)
	a := f.ancestorWithNode()
	b1 := f.commit(3, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "x"})
	b2 := f.commit(4, a, ol.SetProperty{Node: nodeN, Role: "q", Value: "y"})
	m1 := f.mergeChange(b1, b2)
	c1 := f.commit(5, b1, ol.SetProperty{Node: nodeN, Role: "r", Value: "1"})
	c2 := f.commit(6, m1, ol.SetProperty{Node: nodeN, Role: "s", Value: "2"})

	merged := f.mergeChange(c1, c2)
	for role, want := range map[string]string{"p": "x", "q": "y", "r": "1", "s": "2"} {
		assert.Equal(t, want, property(merged.Tree(), nodeN, role), role)
	}

	again := f.mergeChange(merged, m1)
	assert.Same(t, merged, again)
}

func TestMergeSameChangesPicksLowerVersion(t *testing.T) {
	f := newFixture(t, nil)
	a := f.ancestorWithNode()
	b1 := f.commit(3, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "x"})
	b2 := f.commit(4, a, ol.SetProperty{Node: nodeN, Role: "q", Value: "y"})
	m1 := f.mergeChange(b1, b2)
	// A second merge of the same two versions recorded by another client.
	m2, err := seal(&Version{id: 7, kind: Merge, tree: m1.tree, merged1: b1.hash, merged2: b2.hash, ops: m1.ops})
	require.NoError(t, err)
	f.arena.Add(m2)

	want := m1
	if compareVersions(m2, m1) < 0 {
		want = m2
	}
	assert.Same(t, want, f.mergeChange(m1, m2))
	assert.Same(t, want, f.mergeChange(m2, m1))
}

func TestMergeErrors(t *testing.T) {
	f := newFixture(t, nil)
	a := f.root()

	other, err := NewRoot(2, tree.NewWithID("merge-test"), Meta{})
	require.NoError(t, err)
	f.arena.Add(other)
	_, err = f.merger.MergeChange(context.Background(), a, other)
	assert.ErrorIs(t, err, ErrUnrelatedHistories)

	foreign, err := NewRoot(3, tree.NewWithID("another-tree"), Meta{})
	require.NoError(t, err)
	_, err = f.merger.MergeChange(context.Background(), a, foreign)
	assert.ErrorIs(t, err, ErrTreeIDMismatch)
}

func TestCommonAncestor(t *testing.T) {
	f := newFixture(t, nil)
	a := f.ancestorWithNode()
	b1 := f.commit(3, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "x"})
	b2 := f.commit(4, a, ol.SetProperty{Node: nodeN, Role: "q", Value: "y"})
	c2 := f.commit(5, b2, ol.SetProperty{Node: nodeN, Role: "q", Value: "z"})

	common, err := f.merger.CommonAncestor(context.Background(), b1, c2)
	require.NoError(t, err)
	assert.Same(t, a, common)
}

func TestPersistAndLoad(t *testing.T) {
	objects := store.NewMemory()
	f := newFixture(t, objects)
	a := f.ancestorWithNode()
	b1 := f.commit(3, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "x"})
	b2 := f.commit(4, a, ol.SetProperty{Node: nodeN, Role: "p", Value: "y"})
	merged := f.mergeChange(b1, b2)
	require.NoError(t, f.arena.Persist(context.Background(), merged))

	// A fresh arena sees the same history through the object store.
	other := newFixture(t, objects)
	loaded, err := other.arena.Get(context.Background(), merged.Hash())
	require.NoError(t, err)
	assert.Equal(t, merged.Tree().Hash(), loaded.Tree().Hash())
	assert.Equal(t, merged.Operations(), loaded.Operations())
	assert.Equal(t, merged.Time(), loaded.Time())

	history, err := Linearize(context.Background(), other.arena, "", loaded)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	c := other.commit(5, loaded, ol.SetProperty{Node: nodeN, Role: "q", Value: "z"})
	assert.Same(t, c, other.mergeChange(loaded, c))

	_, err = other.arena.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestVersionAttributesAreCopied(t *testing.T) {
	attrs := map[string]string{"git-commit": "abc"}
	v, err := NewRoot(1, tree.NewWithID("t"), Meta{Attributes: attrs})
	require.NoError(t, err)
	attrs["git-commit"] = "def"
	assert.Equal(t, "abc", v.Attributes()["git-commit"])

	w, err := NewRoot(1, tree.NewWithID("t"), Meta{Attributes: map[string]string{"git-commit": "def"}})
	require.NoError(t, err)
	assert.NotEqual(t, v.Hash(), w.Hash())
}
