package tree

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/arborkit/arbor/ordkey"
	"github.com/arborkit/arbor/relation"
)

// Sync takes the pending diff from store and applies it.
func (ix *Indexer) Sync(ctx context.Context, store relation.Store) error {
	if ix.broken != nil {
		return fmt.Errorf("%w: %v", ErrBroken, ix.broken)
	}
	diff, err := store.Diff(ctx)
	if err != nil {
		return fmt.Errorf("reading relation diff: %w", err)
	}
	return ix.Apply(ctx, store, diff)
}

// Apply runs one maintenance pass over diff. store must already reflect every
// change in diff; it is read only to materialize parent indices.
//
// A failed pass leaves the indices inconsistent. The Indexer then refuses
// further passes until Rebuild is called.
func (ix *Indexer) Apply(ctx context.Context, store relation.Store, diff *relation.Diff) error {
	if ix.broken != nil {
		return fmt.Errorf("%w: %v", ErrBroken, ix.broken)
	}
	if diff.Empty() {
		return nil
	}

	start := time.Now()
	defer func() {
		indexPassDuration.Observe(time.Since(start).Seconds())
	}()
	indexPasses.Inc()

	for _, child := range diff.Deleted {
		if err := ix.unlink(child); err != nil {
			return ix.fail(err)
		}
	}
	for _, e := range diff.Inserted {
		if err := ix.insert(ctx, store, e.Child, e.Parent, e.Key); err != nil {
			return ix.fail(err)
		}
	}
	for _, e := range diff.Modified {
		if err := ix.unlink(e.Child); err != nil {
			return ix.fail(err)
		}
		if err := ix.insert(ctx, store, e.Child, e.Parent, e.Key); err != nil {
			return ix.fail(err)
		}
	}

	indexEvents.WithLabelValues("deleted").Add(float64(len(diff.Deleted)))
	indexEvents.WithLabelValues("inserted").Add(float64(len(diff.Inserted)))
	indexEvents.WithLabelValues("modified").Add(float64(len(diff.Modified)))
	ix.log.Debug("index pass complete",
		"deleted", len(diff.Deleted),
		"inserted", len(diff.Inserted),
		"modified", len(diff.Modified),
		"duration", time.Since(start),
	)
	return nil
}

func (ix *Indexer) fail(err error) error {
	ix.broken = err
	indexFailures.Inc()
	ix.log.Error("index pass failed, indices need a rebuild", "err", err)
	return err
}

// Rebuild discards every index and derives them again from a full scan of
// store. Pending changes in the store's diff are consumed first since the scan
// already reflects them.
func (ix *Indexer) Rebuild(ctx context.Context, store relation.Store) error {
	if _, err := store.Diff(ctx); err != nil {
		return fmt.Errorf("discarding relation diff: %w", err)
	}

	byParent := make(map[relation.EntityID][]SiblingID)
	if err := store.Scan(ctx, func(e relation.Entry) error {
		byParent[e.Parent] = append(byParent[e.Parent], SiblingID{Key: e.Key, ID: e.Child})
		return nil
	}); err != nil {
		return fmt.Errorf("scanning relations: %w", err)
	}

	ix.siblings = make(map[relation.EntityID]*SiblingIndex)
	ix.parents = make(map[relation.EntityID]*ParentIndex)
	for parent, children := range byParent {
		sortSiblings(children)
		ix.link(parent, children)
	}
	ix.broken = nil

	indexRebuilds.Inc()
	ix.log.Info("rebuilt tree index", "parents", len(ix.parents), "children", len(ix.siblings))
	return nil
}

// link installs a parent index over children, which must be sorted, and the
// sibling index of every child.
func (ix *Indexer) link(parent relation.EntityID, children []SiblingID) {
	for i, c := range children {
		si := &SiblingIndex{
			Parent: parent,
			Self:   c,
		}
		if i > 0 {
			si.Prev = sidPtr(children[i-1])
		}
		if i < len(children)-1 {
			si.Next = sidPtr(children[i+1])
		}
		ix.siblings[c.ID] = si
	}
	ix.parents[parent] = &ParentIndex{Children: children}
}

// materialize builds the parent index of parent from a scan of its current
// children. Children still linked under another parent are unlinked there
// first so that parent's list stays exact.
func (ix *Indexer) materialize(ctx context.Context, store relation.Store, parent relation.EntityID) (*ParentIndex, error) {
	entries, err := store.ChildrenOf(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("scanning children of %d: %w", parent, err)
	}

	children := make([]SiblingID, len(entries))
	for i, e := range entries {
		children[i] = SiblingID{Key: e.Key, ID: e.Child}
		if _, ok := ix.siblings[e.Child]; ok {
			if err := ix.unlink(e.Child); err != nil {
				return nil, err
			}
		}
	}
	sortSiblings(children)
	ix.link(parent, children)

	parentMaterializations.Inc()
	ix.log.Debug("materialized parent index", "parent", parent, "children", len(children))
	return ix.parents[parent], nil
}

func (ix *Indexer) insert(ctx context.Context, store relation.Store, child, parent relation.EntityID, key ordkey.Key) error {
	pi, ok := ix.parents[parent]
	if !ok {
		var err error
		pi, err = ix.materialize(ctx, store, parent)
		if err != nil {
			return err
		}
	}

	sid := SiblingID{Key: key, ID: child}
	if _, found := searchSiblings(pi.Children, sid); found {
		// already in place
		return nil
	}

	// stale position, possibly under another parent
	if _, ok := ix.siblings[child]; ok {
		if err := ix.unlink(child); err != nil {
			return err
		}
	}

	at, _ := searchSiblings(pi.Children, sid)
	var prev, next *SiblingID
	if at > 0 {
		prev = sidPtr(pi.Children[at-1])
	}
	if at < len(pi.Children) {
		next = sidPtr(pi.Children[at])
	}
	pi.Children = slices.Insert(pi.Children, at, sid)

	if prev != nil {
		psi, ok := ix.siblings[prev.ID]
		if !ok {
			return fmt.Errorf("previous sibling %d of %d: %w", prev.ID, child, ErrNoSiblingIndex)
		}
		psi.Next = sidPtr(sid)
	}
	if next != nil {
		nsi, ok := ix.siblings[next.ID]
		if !ok {
			return fmt.Errorf("next sibling %d of %d: %w", next.ID, child, ErrNoSiblingIndex)
		}
		nsi.Prev = sidPtr(sid)
	}

	ix.siblings[child] = &SiblingIndex{
		Parent: parent,
		Self:   sid,
		Prev:   prev,
		Next:   next,
	}
	return nil
}

func (ix *Indexer) unlink(child relation.EntityID) error {
	si, ok := ix.siblings[child]
	if !ok {
		return fmt.Errorf("unlinking %d: %w", child, ErrNoSiblingIndex)
	}
	pi, ok := ix.parents[si.Parent]
	if !ok {
		return fmt.Errorf("unlinking %d from %d: %w", child, si.Parent, ErrNoParentIndex)
	}

	pi.Children = slices.DeleteFunc(pi.Children, func(s SiblingID) bool {
		return s.ID == child
	})

	if si.Prev != nil {
		psi, ok := ix.siblings[si.Prev.ID]
		if !ok {
			return fmt.Errorf("previous sibling %d of %d: %w", si.Prev.ID, child, ErrNoSiblingIndex)
		}
		psi.Next = si.Next
	}
	if si.Next != nil {
		nsi, ok := ix.siblings[si.Next.ID]
		if !ok {
			return fmt.Errorf("next sibling %d of %d: %w", si.Next.ID, child, ErrNoSiblingIndex)
		}
		nsi.Prev = si.Prev
	}

	delete(ix.siblings, child)
	return nil
}
