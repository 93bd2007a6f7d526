package ol

import (
	"fmt"

	"github.com/kevinxiao27/treesync/tree"
	"github.com/kevinxiao27/treesync/util"
)

// applied is shared by the edits that only need their target node to exist.
type applied struct {
	op   Op
	node int64
}

func (a applied) Original() Op { return a.op }

func (a applied) Retarget(t *tree.Tree) (Op, bool) {
	if !t.ContainsNode(a.node) {
		return nil, false
	}
	return a.op, true
}

func (op SetProperty) Apply(t *tree.Tree) (*tree.Tree, Applied, error) {
	result, err := t.SetProperty(op.Node, op.Role, op.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, applied{op: op, node: op.Node}, nil
}

func (op SetReference) Apply(t *tree.Tree) (*tree.Tree, Applied, error) {
	result, err := t.SetReferenceTarget(op.Node, op.Role, op.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, applied{op: op, node: op.Node}, nil
}

func (op SetConcept) Apply(t *tree.Tree) (*tree.Tree, Applied, error) {
	result, err := t.SetConcept(op.Node, op.Concept)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, applied{op: op, node: op.Node}, nil
}

// DetachedRole collects rescued nodes whose old parent is gone too.
const DetachedRole = "detached"

type appliedDeleteNode struct {
	op     DeleteNode
	before *tree.Tree
}

func (op DeleteNode) Apply(t *tree.Tree) (*tree.Tree, Applied, error) {
	current := t
	for _, m := range op.Rescue {
		if !current.ContainsNode(m.Child) || !current.IsAncestor(op.Node, m.Child) {
			continue
		}
		if !current.ContainsNode(m.NewParent) || current.IsAncestor(op.Node, m.NewParent) {
			m = MoveChild{NewParent: tree.RootID, NewRole: DetachedRole, NewIndex: -1, Child: m.Child}
		}
		siblings := targetSiblings(current, m.NewParent, m.NewRole, m.Child)
		index := len(siblings)
		if m.NewIndex != -1 {
			index = util.Clamp(m.NewIndex, 0, len(siblings))
		}
		moved, err := current.MoveChild(m.NewParent, m.NewRole, index, m.Child)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		current = moved
	}
	result, err := current.DeleteNode(op.Node)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, appliedDeleteNode{op: op, before: t}, nil
}

func (a appliedDeleteNode) Original() Op { return a.op }

// Retarget keeps nodes that another edit moved into the deleted subtree. A
// node that existed outside the subtree when the delete was recorded goes back
// to the position it had then; nodes created inside it are deleted with it.
func (a appliedDeleteNode) Retarget(t *tree.Tree) (Op, bool) {
	if !t.ContainsNode(a.op.Node) {
		return nil, false
	}
	op := DeleteNode{Node: a.op.Node}
	stack := []int64{a.op.Node}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range t.AllChildren(cur) {
			if a.before.ContainsNode(child) && !a.before.IsAncestor(a.op.Node, child) {
				op.Rescue = append(op.Rescue, a.restore(t, child))
				continue
			}
			stack = append(stack, child)
		}
	}
	return op, true
}

// restore moves child back to its place in the tree the delete was recorded on.
func (a appliedDeleteNode) restore(t *tree.Tree, child int64) MoveChild {
	parent, _ := a.before.Parent(child)
	role, _ := a.before.Role(child)
	siblings := a.before.Children(parent, role)
	index := util.IndexOf(siblings, child)
	anchor := Capture(index, targetSiblings(a.before, parent, role, child))
	return MoveChild{
		NewParent: parent,
		NewRole:   role,
		NewIndex:  anchor.FindIndex(targetSiblings(t, parent, role, child)),
		Child:     child,
	}
}

type appliedAddNewChildren struct {
	op     AddNewChildren
	anchor Anchor
}

func (op AddNewChildren) Apply(t *tree.Tree) (*tree.Tree, Applied, error) {
	siblings := t.Children(op.Parent, op.Role)
	resolved := op
	if resolved.Index == -1 {
		resolved.Index = len(siblings)
	}
	ids := make([]int64, len(op.Children))
	concepts := make([]string, len(op.Children))
	for i, c := range op.Children {
		ids[i], concepts[i] = c.ID, c.Concept
	}
	result, err := t.AddNewChildren(op.Parent, op.Role, resolved.Index, ids, concepts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, appliedAddNewChildren{op: resolved, anchor: Capture(resolved.Index, siblings)}, nil
}

func (a appliedAddNewChildren) Original() Op { return a.op }

func (a appliedAddNewChildren) Retarget(t *tree.Tree) (Op, bool) {
	if !t.ContainsNode(a.op.Parent) {
		return nil, false
	}
	children := util.Filter(a.op.Children, func(c NewChild) bool {
		return !t.ContainsNode(c.ID)
	})
	if len(children) == 0 {
		return nil, false
	}
	return AddNewChildren{
		Parent:   a.op.Parent,
		Role:     a.op.Role,
		Index:    a.anchor.FindIndex(t.Children(a.op.Parent, a.op.Role)),
		Children: children,
	}, true
}

type appliedMoveChild struct {
	op     MoveChild
	anchor Anchor
}

// targetSiblings is the destination list as it looks once child is taken out.
func targetSiblings(t *tree.Tree, parent int64, role string, child int64) []int64 {
	return util.Filter(t.Children(parent, role), func(id int64) bool { return id != child })
}

func (op MoveChild) Apply(t *tree.Tree) (*tree.Tree, Applied, error) {
	siblings := targetSiblings(t, op.NewParent, op.NewRole, op.Child)
	resolved := op
	if resolved.NewIndex == -1 {
		resolved.NewIndex = len(siblings)
	}
	result, err := t.MoveChild(op.NewParent, op.NewRole, resolved.NewIndex, op.Child)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, appliedMoveChild{op: resolved, anchor: Capture(resolved.NewIndex, siblings)}, nil
}

func (a appliedMoveChild) Original() Op { return a.op }

// Retarget drops moves whose node or destination was deleted, and moves that
// would now put a node inside its own subtree.
func (a appliedMoveChild) Retarget(t *tree.Tree) (Op, bool) {
	op := a.op
	if !t.ContainsNode(op.Child) || !t.ContainsNode(op.NewParent) || t.IsAncestor(op.Child, op.NewParent) {
		return nil, false
	}
	op.NewIndex = a.anchor.FindIndex(targetSiblings(t, op.NewParent, op.NewRole, op.Child))
	return op, true
}
