package workspace

import (
	"errors"
	"fmt"

	"github.com/kevinxiao27/treesync/ol"
	"github.com/kevinxiao27/treesync/tree"
	"github.com/kevinxiao27/treesync/util"
)

// WriteTx is the write surface handed to RunWrite callbacks. It must not be
// used after the callback returned.
type WriteTx struct {
	tree    *tree.Tree
	ids     IDSource
	applied []ol.Applied
}

func (tx *WriteTx) Tree() *tree.Tree {
	return tx.tree
}

// Apply executes op and records it.
func (tx *WriteTx) Apply(op ol.Op) error {
	result, applied, err := op.Apply(tx.tree)
	if err != nil {
		return err
	}
	tx.tree = result
	tx.applied = append(tx.applied, applied)
	return nil
}

func (tx *WriteTx) SetProperty(node int64, role, value string) error {
	return tx.Apply(ol.SetProperty{Node: node, Role: role, Value: value})
}

// SetReferenceTarget points role of node at target; 0 clears the reference.
func (tx *WriteTx) SetReferenceTarget(node int64, role string, target int64) error {
	return tx.Apply(ol.SetReference{Node: node, Role: role, Target: target})
}

func (tx *WriteTx) SetConcept(node int64, concept string) error {
	return tx.Apply(ol.SetConcept{Node: node, Concept: concept})
}

// AddNewChild creates a node with a generated id. An index of -1 appends.
func (tx *WriteTx) AddNewChild(parent int64, role string, index int, concept string) (int64, error) {
	ids, err := tx.AddNewChildren(parent, role, index, []string{concept})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (tx *WriteTx) AddNewChildren(parent int64, role string, index int, concepts []string) ([]int64, error) {
	if tx.ids == nil {
		return nil, errors.New("workspace: no id source configured")
	}
	children := make([]ol.NewChild, len(concepts))
	ids := make([]int64, len(concepts))
	for i, concept := range concepts {
		ids[i] = tx.ids.Generate()
		children[i] = ol.NewChild{ID: ids[i], Concept: concept}
	}
	if err := tx.Apply(ol.AddNewChildren{Parent: parent, Role: role, Index: index, Children: children}); err != nil {
		return nil, err
	}
	return ids, nil
}

// MoveChild moves child into the children of newParent in newRole. Moving a
// node onto the position it already has records nothing.
func (tx *WriteTx) MoveChild(newParent int64, newRole string, newIndex int, child int64) error {
	parent, err := tx.tree.Parent(child)
	if err != nil {
		return err
	}
	role, err := tx.tree.Role(child)
	if err != nil {
		return err
	}
	if parent == newParent && role == newRole {
		siblings := tx.tree.Children(parent, role)
		current := util.IndexOf(siblings, child)
		if newIndex == current || (newIndex == -1 && current == len(siblings)-1) {
			return nil
		}
	}
	return tx.Apply(ol.MoveChild{NewParent: newParent, NewRole: newRole, NewIndex: newIndex, Child: child})
}

// DeleteNode deletes the children of node before node itself, so every
// removed node shows up as its own operation.
func (tx *WriteTx) DeleteNode(node int64) error {
	if !tx.tree.ContainsNode(node) {
		return fmt.Errorf("delete %d: %w", node, tree.ErrNodeNotFound)
	}
	for _, child := range tx.tree.AllChildren(node) {
		if err := tx.DeleteNode(child); err != nil {
			return err
		}
	}
	return tx.Apply(ol.DeleteNode{Node: node})
}
