// Package tree implements the persistent model tree that versions point to.
//
// A Tree is immutable. Every write returns a new Tree that shares all
// untouched nodes with its predecessor: the node table is a copy-on-write
// B-tree, so taking a copy is O(1) and only the modified path is cloned.
package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// RootID is the id of the root node every tree starts with.
const RootID int64 = 1

type node struct {
	id       int64
	parent   int64
	role     string
	concept  string
	props    map[string]string
	refs     map[string]int64
	children map[string][]int64

	digestOnce sync.Once
	sum        [sha256.Size]byte
}

// clone copies the maps so the caller can mutate the copy. Child slices are
// shared and must be replaced, never written in place.
func (n *node) clone() *node {
	c := &node{
		id:       n.id,
		parent:   n.parent,
		role:     n.role,
		concept:  n.concept,
		props:    make(map[string]string, len(n.props)),
		refs:     make(map[string]int64, len(n.refs)),
		children: make(map[string][]int64, len(n.children)),
	}
	for k, v := range n.props {
		c.props[k] = v
	}
	for k, v := range n.refs {
		c.refs[k] = v
	}
	for k, v := range n.children {
		c.children[k] = v
	}
	return c
}

func newNode(id, parent int64, role, concept string) *node {
	return &node{
		id:       id,
		parent:   parent,
		role:     role,
		concept:  concept,
		props:    map[string]string{},
		refs:     map[string]int64{},
		children: map[string][]int64{},
	}
}

type Tree struct {
	id    string
	nodes *btree.Map[int64, *node]

	hashOnce sync.Once
	hash     string
}

// New creates a tree with a fresh random id and a single root node.
func New() *Tree {
	return NewWithID(uuid.NewString())
}

func NewWithID(id string) *Tree {
	nodes := new(btree.Map[int64, *node])
	nodes.Set(RootID, newNode(RootID, 0, "", ""))
	return &Tree{id: id, nodes: nodes}
}

// ID identifies the repository the tree belongs to. Trees with different ids
// never share history.
func (t *Tree) ID() string {
	return t.id
}

func (t *Tree) derive() *Tree {
	return &Tree{id: t.id, nodes: t.nodes.Copy()}
}

func (t *Tree) get(id int64) (*node, bool) {
	return t.nodes.Get(id)
}

func (t *Tree) mustGet(id int64) (*node, error) {
	n, ok := t.nodes.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return n, nil
}

func (t *Tree) Size() int {
	return t.nodes.Len()
}

func (t *Tree) ContainsNode(id int64) bool {
	_, ok := t.get(id)
	return ok
}

func (t *Tree) Parent(id int64) (int64, error) {
	n, err := t.mustGet(id)
	if err != nil {
		return 0, err
	}
	return n.parent, nil
}

func (t *Tree) Role(id int64) (string, error) {
	n, err := t.mustGet(id)
	if err != nil {
		return "", err
	}
	return n.role, nil
}

func (t *Tree) Concept(id int64) (string, error) {
	n, err := t.mustGet(id)
	if err != nil {
		return "", err
	}
	return n.concept, nil
}

// Property returns the value of a property and whether it is set.
func (t *Tree) Property(id int64, role string) (string, bool) {
	n, ok := t.get(id)
	if !ok {
		return "", false
	}
	v, ok := n.props[role]
	return v, ok
}

func (t *Tree) ReferenceTarget(id int64, role string) (int64, bool) {
	n, ok := t.get(id)
	if !ok {
		return 0, false
	}
	v, ok := n.refs[role]
	return v, ok
}

// Children returns a copy of the ordered child ids of parent in role.
func (t *Tree) Children(parent int64, role string) []int64 {
	n, ok := t.get(parent)
	if !ok {
		return nil
	}
	return slices.Clone(n.children[role])
}

// AllChildren returns the children of every role, roles in lexical order.
func (t *Tree) AllChildren(parent int64) []int64 {
	n, ok := t.get(parent)
	if !ok {
		return nil
	}
	var result []int64
	for _, role := range sortedKeys(n.children) {
		result = append(result, n.children[role]...)
	}
	return result
}

func (t *Tree) ChildRoles(id int64) []string {
	n, ok := t.get(id)
	if !ok {
		return nil
	}
	return sortedKeys(n.children)
}

func (t *Tree) PropertyRoles(id int64) []string {
	n, ok := t.get(id)
	if !ok {
		return nil
	}
	return sortedKeys(n.props)
}

func (t *Tree) ReferenceRoles(id int64) []string {
	n, ok := t.get(id)
	if !ok {
		return nil
	}
	return sortedKeys(n.refs)
}

// IsAncestor reports whether ancestor is node itself or one of its parents.
func (t *Tree) IsAncestor(ancestor, id int64) bool {
	for id != 0 {
		if id == ancestor {
			return true
		}
		n, ok := t.get(id)
		if !ok {
			return false
		}
		id = n.parent
	}
	return false
}

// AddNewChildren inserts new nodes into the children of parent in role.
// An index of -1 appends.
func (t *Tree) AddNewChildren(parent int64, role string, index int, ids []int64, concepts []string) (*Tree, error) {
	if len(ids) != len(concepts) {
		return nil, fmt.Errorf("add children: %d ids but %d concepts", len(ids), len(concepts))
	}
	p, err := t.mustGet(parent)
	if err != nil {
		return nil, err
	}
	siblings := p.children[role]
	if index == -1 {
		index = len(siblings)
	}
	if index < 0 || index > len(siblings) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidIndex, index, len(siblings))
	}
	if len(ids) == 0 {
		return t, nil
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || t.ContainsNode(id) || id == 0 {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateNode, id)
		}
		seen[id] = struct{}{}
	}

	result := t.derive()
	for i, id := range ids {
		result.nodes.Set(id, newNode(id, parent, role, concepts[i]))
	}
	p = p.clone()
	p.children[role] = slices.Insert(slices.Clone(siblings), index, ids...)
	result.nodes.Set(parent, p)
	return result, nil
}

func (t *Tree) AddNewChild(parent int64, role string, index int, id int64, concept string) (*Tree, error) {
	return t.AddNewChildren(parent, role, index, []int64{id}, []string{concept})
}

// MoveChild moves child to newIndex in the children of newParent in newRole.
// The index refers to the target list without the moved child; -1 appends.
func (t *Tree) MoveChild(newParent int64, newRole string, newIndex int, child int64) (*Tree, error) {
	if child == RootID {
		return nil, ErrRootNode
	}
	c, err := t.mustGet(child)
	if err != nil {
		return nil, err
	}
	if _, err := t.mustGet(newParent); err != nil {
		return nil, err
	}
	if t.IsAncestor(child, newParent) {
		return nil, fmt.Errorf("%w: %d into %d", ErrCycle, child, newParent)
	}

	result := t.derive()
	oldParent, _ := result.get(c.parent)
	oldParent = oldParent.clone()
	oldParent.children[c.role] = removeID(oldParent.children[c.role], child)
	if len(oldParent.children[c.role]) == 0 {
		delete(oldParent.children, c.role)
	}
	result.nodes.Set(oldParent.id, oldParent)

	target, _ := result.get(newParent)
	target = target.clone()
	siblings := target.children[newRole]
	if newIndex == -1 {
		newIndex = len(siblings)
	}
	if newIndex < 0 || newIndex > len(siblings) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidIndex, newIndex, len(siblings))
	}
	target.children[newRole] = slices.Insert(slices.Clone(siblings), newIndex, child)
	result.nodes.Set(newParent, target)

	c = c.clone()
	c.parent = newParent
	c.role = newRole
	result.nodes.Set(child, c)
	return result, nil
}

// DeleteNode removes a node together with its whole subtree.
func (t *Tree) DeleteNode(id int64) (*Tree, error) {
	if id == RootID {
		return nil, ErrRootNode
	}
	n, err := t.mustGet(id)
	if err != nil {
		return nil, err
	}
	result := t.derive()
	p, _ := result.get(n.parent)
	p = p.clone()
	p.children[n.role] = removeID(p.children[n.role], id)
	if len(p.children[n.role]) == 0 {
		delete(p.children, n.role)
	}
	result.nodes.Set(p.id, p)

	stack := []int64{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, t.AllChildren(cur)...)
		result.nodes.Delete(cur)
	}
	return result, nil
}

func (t *Tree) SetProperty(id int64, role, value string) (*Tree, error) {
	n, err := t.mustGet(id)
	if err != nil {
		return nil, err
	}
	if old, ok := n.props[role]; ok && old == value {
		return t, nil
	}
	n = n.clone()
	n.props[role] = value
	result := t.derive()
	result.nodes.Set(id, n)
	return result, nil
}

// SetReferenceTarget points role of id at target. A target of 0 clears it.
func (t *Tree) SetReferenceTarget(id int64, role string, target int64) (*Tree, error) {
	n, err := t.mustGet(id)
	if err != nil {
		return nil, err
	}
	if old, ok := n.refs[role]; (ok && old == target) || (!ok && target == 0) {
		return t, nil
	}
	n = n.clone()
	if target == 0 {
		delete(n.refs, role)
	} else {
		n.refs[role] = target
	}
	result := t.derive()
	result.nodes.Set(id, n)
	return result, nil
}

func (t *Tree) SetConcept(id int64, concept string) (*Tree, error) {
	n, err := t.mustGet(id)
	if err != nil {
		return nil, err
	}
	if n.concept == concept {
		return t, nil
	}
	n = n.clone()
	n.concept = concept
	result := t.derive()
	result.nodes.Set(id, n)
	return result, nil
}

// Hash is the hex sha256 over the tree id and the digests of all nodes by
// ascending id. Equal hashes mean equal trees. Node digests are cached on the
// shared nodes, so a derived tree only encodes the nodes it changed.
func (t *Tree) Hash() string {
	t.hashOnce.Do(func() {
		h := sha256.New()
		h.Write([]byte(t.id))
		h.Write([]byte{0})
		t.nodes.Scan(func(_ int64, n *node) bool {
			sum := n.digest()
			h.Write(sum[:])
			return true
		})
		t.hash = hex.EncodeToString(h.Sum(nil))
	})
	return t.hash
}

func removeID(ids []int64, id int64) []int64 {
	i := slices.Index(ids, id)
	if i < 0 {
		return ids
	}
	return slices.Delete(slices.Clone(ids), i, i+1)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
