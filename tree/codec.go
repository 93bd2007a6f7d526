package tree

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/tidwall/btree"
)

type nodeJSON struct {
	ID         int64              `json:"id"`
	Parent     int64              `json:"parent,omitempty"`
	Role       string             `json:"role,omitempty"`
	Concept    string             `json:"concept,omitempty"`
	Properties map[string]string  `json:"properties,omitempty"`
	References map[string]int64   `json:"references,omitempty"`
	Children   map[string][]int64 `json:"children,omitempty"`
}

type treeJSON struct {
	ID    string     `json:"id"`
	Nodes []nodeJSON `json:"nodes"`
}

func (n *node) encode() nodeJSON {
	return nodeJSON{
		ID:         n.id,
		Parent:     n.parent,
		Role:       n.role,
		Concept:    n.concept,
		Properties: n.props,
		References: n.refs,
		Children:   n.children,
	}
}

// digest is the sha256 of the node's canonical encoding. A node is never
// modified once it is part of a tree, so the digest is computed once.
func (n *node) digest() [sha256.Size]byte {
	n.digestOnce.Do(func() {
		data, err := json.Marshal(n.encode())
		if err != nil {
			panic(fmt.Sprintf("tree: encode node %d for hashing: %v", n.id, err))
		}
		n.sum = sha256.Sum256(data)
	})
	return n.sum
}

// MarshalJSON encodes the tree canonically: nodes by ascending id, map keys sorted.
func (t *Tree) MarshalJSON() ([]byte, error) {
	out := treeJSON{ID: t.id, Nodes: make([]nodeJSON, 0, t.nodes.Len())}
	t.nodes.Scan(func(_ int64, n *node) bool {
		out.Nodes = append(out.Nodes, n.encode())
		return true
	})
	return json.Marshal(out)
}

// Unmarshal decodes a tree produced by MarshalJSON.
func Unmarshal(data []byte) (*Tree, error) {
	var in treeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	nodes := new(btree.Map[int64, *node])
	for _, n := range in.Nodes {
		decoded := newNode(n.ID, n.Parent, n.Role, n.Concept)
		for k, v := range n.Properties {
			decoded.props[k] = v
		}
		for k, v := range n.References {
			decoded.refs[k] = v
		}
		for k, v := range n.Children {
			decoded.children[k] = v
		}
		nodes.Set(n.ID, decoded)
	}
	if _, ok := nodes.Get(RootID); !ok {
		return nil, fmt.Errorf("decode tree %s: %w: root", in.ID, ErrNodeNotFound)
	}
	return &Tree{id: in.ID, nodes: nodes}, nil
}
