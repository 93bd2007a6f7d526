package ol

import (
	"fmt"

	"github.com/kevinxiao27/treesync/tree"
)

type OpType string

const (
	SetPropertyType    OpType = "setProperty"
	SetReferenceType   OpType = "setReference"
	AddNewChildrenType OpType = "addNewChildren"
	MoveChildType      OpType = "moveChild"
	DeleteNodeType     OpType = "deleteNode"
	SetConceptType     OpType = "setConcept"
)

// Op is an edit described independently of any tree.
type Op interface {
	Type() OpType
	// Apply executes the edit on t, returning the new tree and the applied
	// form that remembers the positional context of the edit.
	Apply(t *tree.Tree) (*tree.Tree, Applied, error)
	fmt.Stringer
}

// Applied is an Op after execution.
type Applied interface {
	// Original is the operation as it is stored inside a version.
	Original() Op
	// Retarget re-expresses the captured intent against a different tree.
	// It returns false when the edit has no effect there, because its target
	// no longer exists.
	Retarget(t *tree.Tree) (Op, bool)
}

type SetProperty struct {
	Node  int64  `json:"node"`
	Role  string `json:"role"`
	Value string `json:"value"`
}

type SetReference struct {
	Node   int64  `json:"node"`
	Role   string `json:"role"`
	Target int64  `json:"target,omitempty"`
}

type NewChild struct {
	ID      int64  `json:"id"`
	Concept string `json:"concept,omitempty"`
}

type AddNewChildren struct {
	Parent   int64      `json:"parent"`
	Role     string     `json:"role"`
	Index    int        `json:"index"`
	Children []NewChild `json:"children"`
}

// MoveChild moves Child to NewIndex of the NewParent/NewRole sibling list,
// counted without the child itself.
type MoveChild struct {
	NewParent int64  `json:"newParent"`
	NewRole   string `json:"newRole"`
	NewIndex  int    `json:"newIndex"`
	Child     int64  `json:"child"`
}

// DeleteNode removes Node and its subtree. Rescue moves run first and take
// nodes that were moved into the subtree concurrently back out of it.
type DeleteNode struct {
	Node   int64       `json:"node"`
	Rescue []MoveChild `json:"rescue,omitempty"`
}

type SetConcept struct {
	Node    int64  `json:"node"`
	Concept string `json:"concept,omitempty"`
}

func (SetProperty) Type() OpType    { return SetPropertyType }
func (SetReference) Type() OpType   { return SetReferenceType }
func (AddNewChildren) Type() OpType { return AddNewChildrenType }
func (MoveChild) Type() OpType      { return MoveChildType }
func (DeleteNode) Type() OpType     { return DeleteNodeType }
func (SetConcept) Type() OpType     { return SetConceptType }

func (op SetProperty) String() string {
	return fmt.Sprintf("SetProperty(%d, %s, %q)", op.Node, op.Role, op.Value)
}

func (op SetReference) String() string {
	return fmt.Sprintf("SetReference(%d, %s, %d)", op.Node, op.Role, op.Target)
}

func (op AddNewChildren) String() string {
	return fmt.Sprintf("AddNewChildren(%d, %s, %d, %v)", op.Parent, op.Role, op.Index, op.Children)
}

func (op MoveChild) String() string {
	return fmt.Sprintf("MoveChild(%d, %s, %d, %d)", op.NewParent, op.NewRole, op.NewIndex, op.Child)
}

func (op DeleteNode) String() string {
	if len(op.Rescue) > 0 {
		return fmt.Sprintf("DeleteNode(%d, rescue %v)", op.Node, op.Rescue)
	}
	return fmt.Sprintf("DeleteNode(%d)", op.Node)
}

func (op SetConcept) String() string {
	return fmt.Sprintf("SetConcept(%d, %s)", op.Node, op.Concept)
}
