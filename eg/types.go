package eg

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/kevinxiao27/treesync/ol"
	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/tree"
)

type Kind string

const (
	Root    Kind = "root"
	Regular Kind = "regular"
	Merge   Kind = "merge"
)

// Meta is the provenance a caller attaches to a new version.
type Meta struct {
	Author     string
	Time       time.Time
	Attributes map[string]string
}

// Version is an immutable node of the history DAG. Parents are referenced by
// hash and resolved through an Arena.
type Version struct {
	id      int64
	hash    string
	kind    Kind
	tree    *tree.Tree
	base    string
	merged1 string
	merged2 string
	ops     []ol.Op
	meta    Meta
	encoded []byte
}

// header is the canonical encoding of a version. Its sha256 is the version hash.
type header struct {
	ID         int64             `json:"id"`
	Kind       Kind              `json:"kind"`
	TreeID     string            `json:"treeId"`
	TreeHash   string            `json:"treeHash"`
	Base       string            `json:"base,omitempty"`
	Merged1    string            `json:"merged1,omitempty"`
	Merged2    string            `json:"merged2,omitempty"`
	Ops        json.RawMessage   `json:"ops"`
	Author     string            `json:"author,omitempty"`
	Time       string            `json:"time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func NewRoot(id int64, t *tree.Tree, meta Meta) (*Version, error) {
	return seal(&Version{id: id, kind: Root, tree: t, meta: meta})
}

// NewRegular wraps ops, recorded against base's tree, into a version with
// result tree t.
func NewRegular(id int64, base *Version, t *tree.Tree, ops []ol.Op, meta Meta) (*Version, error) {
	if base.tree.ID() != t.ID() {
		return nil, fmt.Errorf("%w: base %s, tree %s", ErrTreeIDMismatch, base.tree.ID(), t.ID())
	}
	return seal(&Version{id: id, kind: Regular, tree: t, base: base.hash, ops: ops, meta: meta})
}

// newMerge builds the merge of v1 and v2. Everything about it, including the
// id, is derived from the inputs so every replica builds the same version.
func newMerge(v1, v2 *Version, t *tree.Tree, ops []ol.Op) (*Version, error) {
	if v2.hash < v1.hash {
		v1, v2 = v2, v1
	}
	at := v1.meta.Time
	if v2.meta.Time.After(at) {
		at = v2.meta.Time
	}
	return seal(&Version{
		id:      mergeID(v1.hash, v2.hash),
		kind:    Merge,
		tree:    t,
		merged1: v1.hash,
		merged2: v2.hash,
		ops:     ops,
		meta:    Meta{Time: at},
	})
}

// mergeID has the top bit set, which client id ranges never use.
func mergeID(hash1, hash2 string) int64 {
	sum := sha256.Sum256([]byte(hash1 + hash2))
	return int64(binary.BigEndian.Uint64(sum[:8]) | 1<<63)
}

func seal(v *Version) (*Version, error) {
	ops, err := ol.MarshalOps(v.ops)
	if err != nil {
		return nil, err
	}
	v.meta.Time = v.meta.Time.UTC()
	if len(v.meta.Attributes) > 0 {
		v.meta.Attributes = maps.Clone(v.meta.Attributes)
	} else {
		v.meta.Attributes = nil
	}
	v.encoded, err = json.Marshal(header{
		ID:         v.id,
		Kind:       v.kind,
		TreeID:     v.tree.ID(),
		TreeHash:   v.tree.Hash(),
		Base:       v.base,
		Merged1:    v.merged1,
		Merged2:    v.merged2,
		Ops:        ops,
		Author:     v.meta.Author,
		Time:       v.meta.Time.Format(time.RFC3339Nano),
		Attributes: v.meta.Attributes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode version %d: %w", v.id, err)
	}
	v.hash = store.Hash(v.encoded)
	return v, nil
}

func (v *Version) ID() int64 {
	return v.id
}

// Hash identifies the version. Equal hashes mean interchangeable versions.
func (v *Version) Hash() string {
	return v.hash
}

func (v *Version) Kind() Kind {
	return v.kind
}

func (v *Version) IsMerge() bool {
	return v.kind == Merge
}

func (v *Version) Tree() *tree.Tree {
	return v.tree
}

// Base is the hash of the version a regular version was recorded on.
func (v *Version) Base() string {
	return v.base
}

func (v *Version) MergedVersions() (string, string) {
	return v.merged1, v.merged2
}

// Parents returns the parent hashes: none for roots, one for regular
// versions and two for merges.
func (v *Version) Parents() []string {
	switch v.kind {
	case Regular:
		return []string{v.base}
	case Merge:
		return []string{v.merged1, v.merged2}
	}
	return nil
}

func (v *Version) Operations() []ol.Op {
	return append([]ol.Op(nil), v.ops...)
}

func (v *Version) Author() string {
	return v.meta.Author
}

func (v *Version) Time() time.Time {
	return v.meta.Time
}

func (v *Version) Attributes() map[string]string {
	return maps.Clone(v.meta.Attributes)
}

func (v *Version) String() string {
	return fmt.Sprintf("%s(%x, %.12s)", v.kind, uint64(v.id), v.hash)
}

// Encode returns the stored form of the version. The tree is stored as its
// own object under its hash.
func (v *Version) Encode() []byte {
	return append([]byte(nil), v.encoded...)
}

// Decode parses a version; loadTree resolves the referenced tree by hash.
func Decode(data []byte, loadTree func(hash string) (*tree.Tree, error)) (*Version, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	ops, err := ol.UnmarshalOps(h.Ops)
	if err != nil {
		return nil, fmt.Errorf("decode version %d: %w", h.ID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, h.Time)
	if err != nil {
		return nil, fmt.Errorf("decode version %d: %w", h.ID, err)
	}
	t, err := loadTree(h.TreeHash)
	if err != nil {
		return nil, fmt.Errorf("load tree of version %d: %w", h.ID, err)
	}
	if t.ID() != h.TreeID {
		return nil, fmt.Errorf("version %d: %w: %s != %s", h.ID, ErrTreeIDMismatch, t.ID(), h.TreeID)
	}
	switch h.Kind {
	case Root, Regular, Merge:
	default:
		return nil, fmt.Errorf("decode version %d: unknown kind %q", h.ID, h.Kind)
	}
	return seal(&Version{
		id:      h.ID,
		kind:    h.Kind,
		tree:    t,
		base:    h.Base,
		merged1: h.Merged1,
		merged2: h.Merged2,
		ops:     ops,
		meta:    Meta{Author: h.Author, Time: at, Attributes: h.Attributes},
	})
}
