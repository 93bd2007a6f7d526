package ol

import "github.com/kevinxiao27/treesync/util"

// Anchor is an insert position in an ordered sibling list, described by the
// neighbours it had when it was captured instead of by a raw index. Anchors
// survive concurrent inserts, deletes and moves in the same list.
type Anchor struct {
	Index       int   `json:"index"`
	Predecessor int64 `json:"predecessor,omitempty"`
	HasPred     bool  `json:"hasPred,omitempty"`
	Successor   int64 `json:"successor,omitempty"`
	HasSucc     bool  `json:"hasSucc,omitempty"`
}

// Capture records the neighbours of index in siblings. Index 0 has no
// predecessor and len(siblings) has no successor; those sentinels never match.
func Capture(index int, siblings []int64) Anchor {
	a := Anchor{Index: index}
	if index > 0 && index <= len(siblings) {
		a.Predecessor, a.HasPred = siblings[index-1], true
	}
	if index >= 0 && index < len(siblings) {
		a.Successor, a.HasSucc = siblings[index], true
	}
	return a
}

// FindIndex resolves the anchor against the current sibling list. When both
// neighbours survive and disagree, the later position wins.
func (a Anchor) FindIndex(current []int64) int {
	predPos, succPos := -1, -1
	if a.HasPred {
		if i := util.IndexOf(current, a.Predecessor); i >= 0 {
			predPos = i + 1
		}
	}
	if a.HasSucc {
		succPos = util.IndexOf(current, a.Successor)
	}

	switch {
	case predPos >= 0 && succPos >= 0:
		return max(predPos, succPos)
	case predPos >= 0:
		return predPos
	case succPos >= 0:
		return succPos
	default:
		return util.Clamp(a.Index, 0, len(current))
	}
}
