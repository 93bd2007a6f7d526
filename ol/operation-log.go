package ol

import (
	"encoding/json"
	"fmt"
	"slices"
)

type envelope struct {
	Type OpType          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalOps encodes an operation log. The encoding is deterministic, so it
// can take part in content hashes.
func MarshalOps(ops []Op) ([]byte, error) {
	out := make([]envelope, len(ops))
	for i, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", op, err)
		}
		out[i] = envelope{Type: op.Type(), Data: data}
	}
	return json.Marshal(out)
}

func UnmarshalOps(data []byte) ([]Op, error) {
	var in []envelope
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	ops := make([]Op, len(in))
	for i, e := range in {
		op, err := decodeOp(e)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}

func decodeOp(e envelope) (Op, error) {
	var (
		op  Op
		err error
	)
	switch e.Type {
	case SetPropertyType:
		var v SetProperty
		err = json.Unmarshal(e.Data, &v)
		op = v
	case SetReferenceType:
		var v SetReference
		err = json.Unmarshal(e.Data, &v)
		op = v
	case AddNewChildrenType:
		var v AddNewChildren
		err = json.Unmarshal(e.Data, &v)
		op = v
	case MoveChildType:
		var v MoveChild
		err = json.Unmarshal(e.Data, &v)
		op = v
	case DeleteNodeType:
		var v DeleteNode
		err = json.Unmarshal(e.Data, &v)
		op = v
	case SetConceptType:
		var v SetConcept
		err = json.Unmarshal(e.Data, &v)
		op = v
	default:
		return nil, fmt.Errorf("decode operation: unknown type %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return op, nil
}

// Originals unwraps applied operations into the form stored in versions.
func Originals(applied []Applied) []Op {
	ops := make([]Op, len(applied))
	for i, a := range applied {
		ops[i] = a.Original()
	}
	return ops
}

type overwriteKey struct {
	typ  OpType
	node int64
	role string
}

func keyOf(op Op) (overwriteKey, bool) {
	switch op := op.(type) {
	case SetProperty:
		return overwriteKey{SetPropertyType, op.Node, op.Role}, true
	case SetReference:
		return overwriteKey{SetReferenceType, op.Node, op.Role}, true
	case SetConcept:
		return overwriteKey{SetConceptType, op.Node, ""}, true
	}
	return overwriteKey{}, false
}

// Compress drops set operations that a later operation of the same batch
// overwrites. Ops of one batch are always replayed back to back, so the
// result of replaying the compressed batch is the same.
func Compress(applied []Applied) []Applied {
	seen := map[overwriteKey]struct{}{}
	result := make([]Applied, 0, len(applied))
	for i := len(applied) - 1; i >= 0; i-- {
		if key, ok := keyOf(applied[i].Original()); ok {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		result = append(result, applied[i])
	}
	slices.Reverse(result)
	return result
}
