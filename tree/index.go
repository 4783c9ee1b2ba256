package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/arborkit/arbor/relation"
)

var (
	// ErrCorruptIndex is wrapped by every index precondition failure. It means
	// a previous pass or the relation diff broke an invariant; it is never
	// transient.
	ErrCorruptIndex   = errors.New("corrupt tree index")
	ErrNoSiblingIndex = fmt.Errorf("%w: missing sibling index", ErrCorruptIndex)
	ErrNoParentIndex  = fmt.Errorf("%w: missing parent index", ErrCorruptIndex)

	// ErrBroken is returned by Apply after a failed pass until Rebuild is called.
	ErrBroken = errors.New("tree index is broken, rebuild required")

	ErrParentNotEmpty = errors.New("parent index still has children")
)

type IndexerOptions struct {
	Logger *slog.Logger
}

// Indexer maintains the sibling and parent indices derived from the ChildOf
// relation. It is the only writer of those indices.
type Indexer struct {
	siblings map[relation.EntityID]*SiblingIndex
	parents  map[relation.EntityID]*ParentIndex

	// set when a pass fails part way; cleared by Rebuild
	broken error

	log *slog.Logger
}

func NewIndexer(opts *IndexerOptions) *Indexer {
	if opts == nil {
		opts = &IndexerOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default().With("system", "indexer")
	}
	return &Indexer{
		siblings: make(map[relation.EntityID]*SiblingIndex),
		parents:  make(map[relation.EntityID]*ParentIndex),
		log:      log,
	}
}

// Sibling returns a copy of the sibling index of id.
func (ix *Indexer) Sibling(id relation.EntityID) (SiblingIndex, bool) {
	si, ok := ix.siblings[id]
	if !ok {
		return SiblingIndex{}, false
	}
	return *si, true
}

// Parent returns a copy of the parent index of id.
func (ix *Indexer) Parent(id relation.EntityID) (ParentIndex, bool) {
	pi, ok := ix.parents[id]
	if !ok {
		return ParentIndex{}, false
	}
	return ParentIndex{Children: slices.Clone(pi.Children)}, true
}

// Children returns the ids of the children of parent in order.
func (ix *Indexer) Children(parent relation.EntityID) []relation.EntityID {
	pi, ok := ix.parents[parent]
	if !ok {
		return nil
	}
	return pi.IDs()
}

func (ix *Indexer) ParentOf(id relation.EntityID) (relation.EntityID, bool) {
	si, ok := ix.siblings[id]
	if !ok {
		return 0, false
	}
	return si.Parent, true
}

func (ix *Indexer) NextSibling(id relation.EntityID) (relation.EntityID, bool) {
	si, ok := ix.siblings[id]
	if !ok || si.Next == nil {
		return 0, false
	}
	return si.Next.ID, true
}

func (ix *Indexer) PrevSibling(id relation.EntityID) (relation.EntityID, bool) {
	si, ok := ix.siblings[id]
	if !ok || si.Prev == nil {
		return 0, false
	}
	return si.Prev.ID, true
}

// Walk visits root and its descendants depth first, children in order. Depth
// of root is 0. Returning an error from fn stops the walk.
//
// The relation does not forbid cycles; an entity is visited at most once.
func (ix *Indexer) Walk(root relation.EntityID, fn func(id relation.EntityID, depth int) error) error {
	return ix.walk(root, 0, make(map[relation.EntityID]struct{}), fn)
}

func (ix *Indexer) walk(id relation.EntityID, depth int, seen map[relation.EntityID]struct{}, fn func(relation.EntityID, int) error) error {
	if _, ok := seen[id]; ok {
		return nil
	}
	seen[id] = struct{}{}
	if err := fn(id, depth); err != nil {
		return err
	}
	pi, ok := ix.parents[id]
	if !ok {
		return nil
	}
	for _, c := range pi.Children {
		if err := ix.walk(c.ID, depth+1, seen, fn); err != nil {
			return err
		}
	}
	return nil
}

// EmptyParents returns, in ascending order, the parents whose index has no
// children left.
func (ix *Indexer) EmptyParents() []relation.EntityID {
	var out []relation.EntityID
	for id, pi := range ix.parents {
		if len(pi.Children) == 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// RemoveParentIndex drops the parent index of id. Only empty indices can be
// removed; removing one that does not exist is a no-op.
func (ix *Indexer) RemoveParentIndex(id relation.EntityID) error {
	pi, ok := ix.parents[id]
	if !ok {
		return nil
	}
	if len(pi.Children) > 0 {
		return fmt.Errorf("parent %d has %d children: %w", id, len(pi.Children), ErrParentNotEmpty)
	}
	delete(ix.parents, id)
	return nil
}

type IndexStats struct {
	Siblings int  `json:"siblings"`
	Parents  int  `json:"parents"`
	Broken   bool `json:"broken"`
}

func (ix *Indexer) Stats() IndexStats {
	return IndexStats{
		Siblings: len(ix.siblings),
		Parents:  len(ix.parents),
		Broken:   ix.broken != nil,
	}
}
