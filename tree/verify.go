package tree

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/arborkit/arbor/relation"
)

var ErrInvariant = errors.New("tree index invariant violated")

// Verify checks the indices against a full scan of store and returns an error
// wrapping ErrInvariant naming the first violation found. store should hold no
// pending diff.
func (ix *Indexer) Verify(ctx context.Context, store relation.Store) error {
	expect := make(map[relation.EntityID][]SiblingID)
	rels := make(map[relation.EntityID]relation.ChildOf)
	if err := store.Scan(ctx, func(e relation.Entry) error {
		expect[e.Parent] = append(expect[e.Parent], SiblingID{Key: e.Key, ID: e.Child})
		rels[e.Child] = e.ChildOf
		return nil
	}); err != nil {
		return fmt.Errorf("scanning relations: %w", err)
	}

	parents := make([]relation.EntityID, 0, len(expect))
	for p := range expect {
		parents = append(parents, p)
	}
	slices.Sort(parents)

	for _, p := range parents {
		want := expect[p]
		sortSiblings(want)
		pi, ok := ix.parents[p]
		if !ok {
			return fmt.Errorf("%w: parent %d has %d children but no parent index", ErrInvariant, p, len(want))
		}
		if !slices.Equal(pi.Children, want) {
			return fmt.Errorf("%w: parent %d lists %v, relations give %v", ErrInvariant, p, pi.Children, want)
		}
	}

	for p, pi := range ix.parents {
		if _, ok := expect[p]; !ok && len(pi.Children) > 0 {
			return fmt.Errorf("%w: parent %d lists %v but has no children", ErrInvariant, p, pi.Children)
		}
	}

	for child, rel := range rels {
		if _, ok := ix.siblings[child]; !ok {
			return fmt.Errorf("%w: child %d of %d has no sibling index", ErrInvariant, child, rel.Parent)
		}
	}

	for child, si := range ix.siblings {
		rel, ok := rels[child]
		if !ok {
			return fmt.Errorf("%w: %d has a sibling index but no relation", ErrInvariant, child)
		}
		if si.Parent != rel.Parent || si.Self != (SiblingID{Key: rel.Key, ID: child}) {
			return fmt.Errorf("%w: sibling index of %d is %d/%s, relation is %s", ErrInvariant, child, si.Parent, si.Self, rel)
		}
		children := ix.parents[si.Parent].Children
		at, found := searchSiblings(children, si.Self)
		if !found {
			return fmt.Errorf("%w: %d missing from parent index of %d", ErrInvariant, child, si.Parent)
		}
		var prev, next *SiblingID
		if at > 0 {
			prev = &children[at-1]
		}
		if at < len(children)-1 {
			next = &children[at+1]
		}
		if !sidEqual(si.Prev, prev) {
			return fmt.Errorf("%w: prev of %d is %v, want %v", ErrInvariant, child, si.Prev, prev)
		}
		if !sidEqual(si.Next, next) {
			return fmt.Errorf("%w: next of %d is %v, want %v", ErrInvariant, child, si.Next, next)
		}
	}

	return nil
}

func sidEqual(a, b *SiblingID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
