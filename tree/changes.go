package tree

import (
	"maps"
	"slices"
)

// ChangeVisitor receives the differences found by VisitChanges.
type ChangeVisitor interface {
	NodeAdded(id int64)
	NodeRemoved(id int64)
	ConceptChanged(id int64)
	PropertyChanged(id int64, role string)
	ReferenceChanged(id int64, role string)
	ChildrenChanged(id int64, role string)
}

// VisitChanges reports every difference between oldTree and newTree. Nodes that
// are shared between both trees are skipped without being compared.
func VisitChanges(oldTree, newTree *Tree, v ChangeVisitor) {
	oldIter := oldTree.nodes.Iter()
	newIter := newTree.nodes.Iter()
	hasOld, hasNew := oldIter.First(), newIter.First()
	for hasOld || hasNew {
		switch {
		case hasOld && (!hasNew || oldIter.Key() < newIter.Key()):
			v.NodeRemoved(oldIter.Key())
			hasOld = oldIter.Next()
		case hasNew && (!hasOld || newIter.Key() < oldIter.Key()):
			v.NodeAdded(newIter.Key())
			hasNew = newIter.Next()
		default:
			if a, b := oldIter.Value(), newIter.Value(); a != b {
				visitNodeChanges(a, b, v)
			}
			hasOld, hasNew = oldIter.Next(), newIter.Next()
		}
	}
}

func visitNodeChanges(a, b *node, v ChangeVisitor) {
	if a.concept != b.concept {
		v.ConceptChanged(b.id)
	}
	for _, role := range unionKeys(a.props, b.props) {
		av, aok := a.props[role]
		bv, bok := b.props[role]
		if aok != bok || av != bv {
			v.PropertyChanged(b.id, role)
		}
	}
	for _, role := range unionKeys(a.refs, b.refs) {
		av, aok := a.refs[role]
		bv, bok := b.refs[role]
		if aok != bok || av != bv {
			v.ReferenceChanged(b.id, role)
		}
	}
	for _, role := range unionKeys(a.children, b.children) {
		if !slices.Equal(a.children[role], b.children[role]) {
			v.ChildrenChanged(b.id, role)
		}
	}
}

func unionKeys[V any](a, b map[string]V) []string {
	all := maps.Clone(a)
	if all == nil {
		all = map[string]V{}
	}
	for k, v := range b {
		all[k] = v
	}
	return sortedKeys(all)
}
