// Package relation holds the ChildOf relation, the source of truth for tree
// shape, and the stores that keep it.
//
// Every store records a change log and hands it out as a Diff partitioned into
// inserted, modified and deleted relations. A diff reflects literal events: a
// relation that is deleted and added back between two diffs shows up as both
// deleted and inserted even if the value is unchanged.
package relation

import (
	"context"
	"errors"
	"fmt"

	"github.com/arborkit/arbor/ordkey"
)

var ErrNotFound = errors.New("relation not found")

type EntityID uint64

// ChildOf places a child under Parent at position Key among its siblings.
type ChildOf struct {
	Parent EntityID
	Key    ordkey.Key
}

// NewChildOf builds a relation with a hinted initial position.
func NewChildOf(parent EntityID, hint uint8) ChildOf {
	return ChildOf{Parent: parent, Key: ordkey.Hinted(hint)}
}

func (c ChildOf) String() string {
	return fmt.Sprintf("%d@%s", c.Parent, c.Key)
}

// Entry is the relation of one child.
type Entry struct {
	Child EntityID
	ChildOf
}

// Diff is the set of relation changes observed between two calls to
// Store.Diff. Each slice is sorted by child id. An id can appear in both
// Deleted and Inserted when its relation was removed and re-added.
type Diff struct {
	Inserted []Entry
	Modified []Entry
	Deleted  []EntityID
}

func (d *Diff) Empty() bool {
	return d == nil || (len(d.Inserted) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0)
}

func (d *Diff) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Inserted) + len(d.Modified) + len(d.Deleted)
}

// Store keeps the ChildOf relation of every entity. Implementations are safe
// for concurrent use.
type Store interface {
	// NewEntity issues a fresh entity id.
	NewEntity(ctx context.Context) (EntityID, error)
	Get(ctx context.Context, child EntityID) (ChildOf, bool, error)
	Set(ctx context.Context, child EntityID, rel ChildOf) error
	// Delete removes the relation of child. Deleting an absent relation is a
	// no-op and is not recorded.
	Delete(ctx context.Context, child EntityID) error
	// ChildrenOf returns the current children of parent in no particular order.
	ChildrenOf(ctx context.Context, parent EntityID) ([]Entry, error)
	Scan(ctx context.Context, fn func(Entry) error) error
	// Diff returns the changes recorded since the previous call and advances
	// the checkpoint.
	Diff(ctx context.Context) (*Diff, error)
}

// MustGet returns the relation of child or an error wrapping ErrNotFound.
func MustGet(ctx context.Context, s Store, child EntityID) (ChildOf, error) {
	rel, ok, err := s.Get(ctx, child)
	if err != nil {
		return ChildOf{}, err
	}
	if !ok {
		return ChildOf{}, fmt.Errorf("entity %d: %w", child, ErrNotFound)
	}
	return rel, nil
}
