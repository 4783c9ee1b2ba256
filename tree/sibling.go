package tree

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/arborkit/arbor/ordkey"
	"github.com/arborkit/arbor/relation"
)

// SiblingID orders children by key, then by entity id.
type SiblingID struct {
	Key ordkey.Key
	ID  relation.EntityID
}

func (s SiblingID) Compare(o SiblingID) int {
	if c := cmp.Compare(s.Key, o.Key); c != 0 {
		return c
	}
	return cmp.Compare(s.ID, o.ID)
}

func (s SiblingID) Less(o SiblingID) bool {
	return s.Compare(o) < 0
}

func (s SiblingID) String() string {
	return fmt.Sprintf("%s/%d", s.Key, s.ID)
}

func sidPtr(s SiblingID) *SiblingID {
	return &s
}

func searchSiblings(children []SiblingID, sid SiblingID) (int, bool) {
	return slices.BinarySearchFunc(children, sid, SiblingID.Compare)
}

func sortSiblings(children []SiblingID) {
	slices.SortFunc(children, SiblingID.Compare)
}

// SiblingIndex links a child to its neighbours under Parent. Prev and Next are
// nil at the ends of the list.
type SiblingIndex struct {
	Parent relation.EntityID
	Self   SiblingID
	Prev   *SiblingID
	Next   *SiblingID
}

// ParentIndex lists the children of a parent in ascending sibling id order.
type ParentIndex struct {
	Children []SiblingID
}

// IDs returns the entity ids of the children in order.
func (pi *ParentIndex) IDs() []relation.EntityID {
	out := make([]relation.EntityID, len(pi.Children))
	for i, c := range pi.Children {
		out[i] = c.ID
	}
	return out
}
