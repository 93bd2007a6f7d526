package tree

import "errors"

var (
	// ErrNodeNotFound is returned when an operation references a node that is not in the tree.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when a new node would reuse an existing id.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrInvalidIndex is returned when a child index is outside the sibling list.
	ErrInvalidIndex = errors.New("child index out of range")

	// ErrCycle is returned when a move would make a node its own ancestor.
	ErrCycle = errors.New("move would create a cycle")

	// ErrRootNode is returned when the root node is deleted or moved.
	ErrRootNode = errors.New("root node cannot be deleted or moved")
)
